package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "testrig/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.invocations.jsonl (append-only JSON Lines)
//   - <prefix>.devices.jsonl     (append-only JSON Lines)
//
// Prune rewrites a file atomically (tmp + rename) and reopens the append
// handle. Lines that fail to decode are skipped by readers and kept by Prune,
// so a torn final write never poisons the log.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	invPath string
	devPath string
	inv     *os.File
	dev     *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	invPath := prefix + ".invocations.jsonl"
	devPath := prefix + ".devices.jsonl"

	inv, err := openAppend(invPath)
	if err != nil {
		return nil, err
	}
	dev, err := openAppend(devPath)
	if err != nil {
		_ = inv.Close()
		return nil, err
	}

	return &fileStore{
		log:     log,
		invPath: invPath,
		devPath: devPath,
		inv:     inv,
		dev:     dev,
	}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.inv != nil {
		err1 = s.inv.Close()
		s.inv = nil
	}
	if s.dev != nil {
		err2 = s.dev.Close()
		s.dev = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendInvocation(ctx context.Context, rec InvocationRecord) error {
	_ = ctx
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inv == nil {
		return errors.New("invocation log closed")
	}
	return json.NewEncoder(s.inv).Encode(rec)
}

func (s *fileStore) AppendDeviceEvent(ctx context.Context, ev DeviceEvent) error {
	_ = ctx
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return errors.New("device log closed")
	}
	return json.NewEncoder(s.dev).Encode(ev)
}

func (s *fileStore) ListInvocations(ctx context.Context, q InvocationQuery) ([]InvocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []InvocationRecord
	err := scanLines(s.invPath, func(line []byte) {
		var rec InvocationRecord
		if json.Unmarshal(line, &rec) != nil {
			return
		}
		if !matchInvocation(rec, q) {
			return
		}
		out = append(out, rec)
	})
	if err != nil {
		return nil, err
	}
	reverseRecords(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fileStore) ListDeviceEvents(ctx context.Context, q DeviceEventQuery) ([]DeviceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DeviceEvent
	err := scanLines(s.devPath, func(line []byte) {
		var ev DeviceEvent
		if json.Unmarshal(line, &ev) != nil {
			return
		}
		if q.Serial != "" && ev.Serial != q.Serial {
			return
		}
		if !q.Since.IsZero() && ev.At.Before(q.Since) {
			return
		}
		out = append(out, ev)
	})
	if err != nil {
		return nil, err
	}
	reverseEvents(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inv == nil || s.dev == nil {
		return 0, errors.New("store closed")
	}

	n1, err := rewriteKeeping(s.invPath, &s.inv, olderThan)
	if err != nil {
		return n1, err
	}
	n2, err := rewriteKeeping(s.devPath, &s.dev, olderThan)
	if n := n1 + n2; n > 0 {
		s.log.Debug("pruned records",
			logx.Int("invocations", n1),
			logx.Int("device_events", n2))
	}
	return n1 + n2, err
}

func matchInvocation(rec InvocationRecord, q InvocationQuery) bool {
	if q.CommandID != 0 && rec.CommandID != q.CommandID {
		return false
	}
	if q.Serial != "" && !containsSerial(rec.Serials, q.Serial) {
		return false
	}
	if !q.Since.IsZero() && rec.At.Before(q.Since) {
		return false
	}
	return true
}

func containsSerial(serials []string, s string) bool {
	for _, v := range serials {
		if v == s {
			return true
		}
	}
	return false
}

// scanLines feeds every line of path to fn. A missing file is an empty log.
func scanLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return sc.Err()
}

// rewriteKeeping drops lines whose "at" is before the cutoff, writing the
// survivors to a tmp file that replaces the original. The append handle is
// reopened on the new file.
func rewriteKeeping(path string, file **os.File, olderThan time.Time) (int, error) {
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}

	removed := 0
	var writeErr error
	var stamp struct {
		At time.Time `json:"at"`
	}
	werr := scanLines(path, func(line []byte) {
		stamp.At = time.Time{}
		if json.Unmarshal(line, &stamp) == nil && !stamp.At.IsZero() && stamp.At.Before(olderThan) {
			removed++
			return
		}
		// Keep undecodable lines; pruning must never destroy data it
		// cannot read.
		if _, err := out.Write(append(line, '\n')); err != nil && writeErr == nil {
			writeErr = err
		}
	})
	if werr == nil {
		werr = writeErr
	}
	if werr != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return 0, werr
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	_ = (*file).Close()
	if err := os.Rename(tmp, path); err != nil {
		// Reopen the old file so the store stays usable.
		if f, oerr := openAppend(path); oerr == nil {
			*file = f
		}
		return 0, err
	}
	f, err := openAppend(path)
	if err != nil {
		return removed, err
	}
	*file = f
	return removed, nil
}

func reverseRecords(s []InvocationRecord) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseEvents(s []DeviceEvent) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
