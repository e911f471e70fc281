package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action identifies the kind of mutation an intent performs.
type Action string

const (
	ActionCreateChannel     Action = "create_channel"
	ActionDeleteChannel     Action = "delete_channel"
	ActionLockChannel       Action = "lock_channel"
	ActionUnlockChannel     Action = "unlock_channel"
	ActionHideChannel       Action = "hide_channel"
	ActionUnhideChannel     Action = "unhide_channel"
	ActionRenameChannel     Action = "rename_channel"
	ActionSetUserLimit      Action = "set_user_limit"
	ActionSetBitrate        Action = "set_bitrate"
	ActionKickMember        Action = "kick_member"
	ActionPermitMember      Action = "permit_member"
	ActionRejectMember      Action = "reject_member"
	ActionTransferOwnership Action = "transfer_ownership"
	ActionEditPermissions   Action = "edit_permissions"
)

var ErrUnknownAction = errors.New("unknown action")

// ChannelPayload carries the optional audit reason shared by toggle-style actions.
type ChannelPayload struct {
	Reason string `json:"reason,omitempty"`
}

type CreateChannelPayload struct {
	OwnerID    string `json:"ownerId"`
	CategoryID string `json:"categoryId"`
	Name       string `json:"name"`
	UserLimit  int    `json:"userLimit,omitempty"`
}

type RenamePayload struct {
	Name string `json:"name"`
}

type UserLimitPayload struct {
	Limit int `json:"limit"`
}

type BitratePayload struct {
	Bitrate int `json:"bitrate"`
}

type MemberPayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type OwnershipPayload struct {
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
}

type PermissionPayload struct {
	TargetID string `json:"targetId"`
	Allow    string `json:"allow,omitempty"`
	Deny     string `json:"deny,omitempty"`
}

type payloadSpec struct {
	decode   func(json.RawMessage) (any, error)
	validate func(any) error
}

func decodeInto[T any](raw json.RawMessage) (any, error) {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 {
		return &v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

var payloadRegistry = map[Action]payloadSpec{
	ActionCreateChannel: {decodeInto[CreateChannelPayload], func(v any) error {
		p := v.(*CreateChannelPayload)
		if p.OwnerID == "" || p.CategoryID == "" {
			return errors.New("ownerId and categoryId are required")
		}
		if p.UserLimit < 0 || p.UserLimit > 99 {
			return fmt.Errorf("userLimit %d out of range 0-99", p.UserLimit)
		}
		return nil
	}},
	ActionDeleteChannel: {decodeInto[ChannelPayload], nil},
	ActionLockChannel:   {decodeInto[ChannelPayload], nil},
	ActionUnlockChannel: {decodeInto[ChannelPayload], nil},
	ActionHideChannel:   {decodeInto[ChannelPayload], nil},
	ActionUnhideChannel: {decodeInto[ChannelPayload], nil},
	ActionRenameChannel: {decodeInto[RenamePayload], func(v any) error {
		p := v.(*RenamePayload)
		if p.Name == "" || len([]rune(p.Name)) > 100 {
			return errors.New("name must be 1-100 characters")
		}
		return nil
	}},
	ActionSetUserLimit: {decodeInto[UserLimitPayload], func(v any) error {
		if l := v.(*UserLimitPayload).Limit; l < 0 || l > 99 {
			return fmt.Errorf("limit %d out of range 0-99", l)
		}
		return nil
	}},
	ActionSetBitrate: {decodeInto[BitratePayload], func(v any) error {
		if b := v.(*BitratePayload).Bitrate; b < 8000 || b > 384000 {
			return fmt.Errorf("bitrate %d out of range 8000-384000", b)
		}
		return nil
	}},
	ActionKickMember:   {decodeInto[MemberPayload], requireUser},
	ActionPermitMember: {decodeInto[MemberPayload], requireUser},
	ActionRejectMember: {decodeInto[MemberPayload], requireUser},
	ActionTransferOwnership: {decodeInto[OwnershipPayload], func(v any) error {
		if v.(*OwnershipPayload).ToUserID == "" {
			return errors.New("toUserId is required")
		}
		return nil
	}},
	ActionEditPermissions: {decodeInto[PermissionPayload], func(v any) error {
		if v.(*PermissionPayload).TargetID == "" {
			return errors.New("targetId is required")
		}
		return nil
	}},
}

func requireUser(v any) error {
	if v.(*MemberPayload).UserID == "" {
		return errors.New("userId is required")
	}
	return nil
}

func (a Action) Known() bool {
	_, ok := payloadRegistry[a]
	return ok
}

// DecodePayload decodes raw into the payload struct registered for action.
// The returned value is a pointer to one of the *Payload types above.
func DecodePayload(action Action, raw json.RawMessage) (any, error) {
	spec, ok := payloadRegistry[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	v, err := spec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", action, err)
	}
	if spec.validate != nil {
		if err := spec.validate(v); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", action, err)
		}
	}
	return v, nil
}
