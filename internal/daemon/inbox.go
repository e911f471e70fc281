package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/tempvoice/internal/atomicfile"
	"github.com/msageha/tempvoice/internal/lock"
	"github.com/msageha/tempvoice/internal/logging"
	"github.com/msageha/tempvoice/internal/model"
)

const quarantineDirName = "quarantine"

// InboxHandler turns YAML files dropped into the inbox directory into
// enqueue calls. Each file is removed once handled; files that cannot be
// parsed or validated are moved to the quarantine subdirectory. Writers
// should create files under another name and rename them to *.yaml.
type InboxHandler struct {
	dir    string
	intake Intake
	files  *lock.MutexMap
	logger *logging.Logger
	now    func() time.Time
}

// Intake builds and admits intents; the daemon implements it.
type Intake interface {
	Build(r IntentRequest) (*model.Intent, error)
	Admit(in *model.Intent, source string) EnqueueResult
}

func NewInboxHandler(dir string, intake Intake, files *lock.MutexMap, logger *logging.Logger) *InboxHandler {
	return &InboxHandler{
		dir:    dir,
		intake: intake,
		files:  files,
		logger: logger.With("inbox"),
		now:    time.Now,
	}
}

func (h *InboxHandler) Dir() string {
	return h.dir
}

func isInboxFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".yaml") && !strings.HasPrefix(base, ".")
}

// HandleFile processes one inbox file. Events for files that are already
// gone or not *.yaml are ignored.
func (h *InboxHandler) HandleFile(path string) {
	if !isInboxFile(path) || filepath.Dir(path) != filepath.Clean(h.dir) {
		return
	}
	h.files.Lock(path)
	defer h.files.Unlock(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			h.logger.Warnf("read_failed file=%s err=%v", path, err)
		}
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// Created but not yet written; the write event will bring us back.
		return
	}

	reqs, err := decodeInbox(data)
	if err != nil {
		h.quarantine(path, err)
		return
	}

	// Every intent in the file must be valid before any is admitted.
	intents := make([]*model.Intent, 0, len(reqs))
	for i, r := range reqs {
		in, err := h.intake.Build(r)
		if err != nil {
			h.quarantine(path, fmt.Errorf("intent %d: %w", i, err))
			return
		}
		intents = append(intents, in)
	}

	accepted, rejected := 0, 0
	source := "inbox:" + filepath.Base(path)
	for _, in := range intents {
		if h.intake.Admit(in, source).Accepted {
			accepted++
		} else {
			rejected++
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		h.logger.Errorf("remove_failed file=%s err=%v", path, err)
	}
	h.logger.Infof("processed file=%s accepted=%d rejected=%d", filepath.Base(path), accepted, rejected)
}

// Scan processes every pending inbox file in name order.
func (h *InboxHandler) Scan() int {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			h.logger.Warnf("scan_failed dir=%s err=%v", h.dir, err)
		}
		return 0
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isInboxFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		h.HandleFile(filepath.Join(h.dir, name))
	}
	return len(names)
}

func (h *InboxHandler) quarantine(path string, cause error) {
	dst, err := atomicfile.Quarantine(filepath.Join(h.dir, quarantineDirName), path, h.now())
	if err != nil {
		h.logger.Errorf("quarantine_failed file=%s cause=%v err=%v", path, cause, err)
		return
	}
	h.logger.Warnf("quarantined file=%s to=%s cause=%v", filepath.Base(path), dst, cause)
}

// decodeInbox accepts either a single request mapping or a list of them.
func decodeInbox(data []byte) ([]IntentRequest, error) {
	var node yamlv3.Node
	if err := yamlv3.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	root := node.Content[0]
	switch root.Kind {
	case yamlv3.SequenceNode:
		var reqs []IntentRequest
		if err := root.Decode(&reqs); err != nil {
			return nil, fmt.Errorf("decode intents: %w", err)
		}
		if len(reqs) == 0 {
			return nil, fmt.Errorf("empty intent list")
		}
		return reqs, nil
	case yamlv3.MappingNode:
		var r IntentRequest
		if err := root.Decode(&r); err != nil {
			return nil, fmt.Errorf("decode intent: %w", err)
		}
		return []IntentRequest{r}, nil
	default:
		return nil, fmt.Errorf("expected a mapping or a list, got %s", root.Tag)
	}
}
