package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// IDType is the prefix of a generated ID.
type IDType string

const (
	IDTypeIntent IDType = "int"
	IDTypeEvent  IDType = "evt"
)

// Generated IDs look like int_1771722000_a3f2b7c1: prefix, unix seconds, 32 random bits.
var idRegex = regexp.MustCompile(`^(int|evt)_([0-9]{10})_[0-9a-f]{8}$`)

func GenerateID(idType IDType) (string, error) {
	if idType != IDTypeIntent && idType != IDTypeEvent {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), hex.EncodeToString(suffix[:])), nil
}

// ValidateID reports whether id has the generated format. Caller-supplied
// intent IDs need not.
func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

// ParseID splits a generated ID into its type and creation second.
func ParseID(id string) (IDType, time.Time, error) {
	m := idRegex.FindStringSubmatch(id)
	if m == nil {
		return "", time.Time{}, fmt.Errorf("invalid ID format: %q", id)
	}
	sec, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse ID timestamp %q: %w", id, err)
	}
	return IDType(m[1]), time.Unix(sec, 0), nil
}
