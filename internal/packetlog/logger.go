// Package packetlog records inbound synchronization packets to rotating
// on-disk logs for post-incident analysis.
package packetlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metaapi/metaapi-go/internal/packet"
)

// Options tunes the packet logger.
type Options struct {
	// Directory is the log root. Each log window gets a dated subfolder.
	Directory string
	// FileNumberLimit bounds how many dated folders are kept.
	FileNumberLimit int
	// LogFileSizeInHours is the length of one log window.
	LogFileSizeInHours int
	// CompressSpecifications strips specification payloads down to a stub.
	CompressSpecifications bool
	// CompressPrices collapses consecutive price packets into one record.
	CompressPrices bool
}

// DefaultOptions returns the standard logger settings.
func DefaultOptions() Options {
	return Options{
		Directory:              ".metaapi/logs",
		FileNumberLimit:        12,
		LogFileSizeInHours:     4,
		CompressSpecifications: true,
		CompressPrices:         true,
	}
}

// priceRun tracks a run of consecutive price packets for one account.
type priceRun struct {
	first packet.Packet
	last  packet.Packet
	count int
}

// Logger buffers packet records in memory and flushes them to per-account
// files once a second.
type Logger struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[string][]string
	runs    map[string]*priceRun
	started bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	now  func() time.Time
}

// New creates a packet logger. Call Start to begin flushing.
func New(opts Options, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FileNumberLimit < 1 {
		opts.FileNumberLimit = 1
	}
	if opts.LogFileSizeInHours < 1 {
		opts.LogFileSizeInHours = 1
	}
	return &Logger{
		opts:    opts,
		logger:  logger,
		buffers: make(map[string][]string),
		runs:    make(map[string]*priceRun),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the flush job.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop flushes the remaining records and terminates the flush job.
func (l *Logger) Stop() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()

	l.mu.Lock()
	for accountID := range l.runs {
		l.endRunLocked(accountID)
	}
	l.mu.Unlock()
	l.flush()
}

// WritePacket records one packet. Status packets are noise and are skipped.
func (l *Logger) WritePacket(pkt *packet.Packet) {
	if pkt.Type == "status" || pkt.Type == "keepalive" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.opts.CompressPrices && pkt.Type == "prices" && pkt.HasSequenceNumber {
		run := l.runs[pkt.AccountID]
		if run != nil && pkt.SequenceNumber == run.last.SequenceNumber+1 {
			run.last = *pkt
			run.count++
			return
		}
		l.endRunLocked(pkt.AccountID)
		l.runs[pkt.AccountID] = &priceRun{first: *pkt, last: *pkt, count: 1}
		return
	}

	l.endRunLocked(pkt.AccountID)
	l.appendLocked(pkt.AccountID, l.renderLine(pkt))
}

// endRunLocked emits the pending price run of the account, if any.
func (l *Logger) endRunLocked(accountID string) {
	run := l.runs[accountID]
	if run == nil {
		return
	}
	delete(l.runs, accountID)

	l.appendLocked(accountID, l.renderLine(&run.first))
	if run.count > 2 {
		l.appendLocked(accountID, fmt.Sprintf(
			"Recorded price packets %d, sequence numbers %d-%d",
			run.count, run.first.SequenceNumber, run.last.SequenceNumber))
	}
	if run.count > 1 {
		l.appendLocked(accountID, l.renderLine(&run.last))
	}
}

func (l *Logger) renderLine(pkt *packet.Packet) string {
	payload := pkt.Data
	if l.opts.CompressSpecifications && pkt.Type == "specifications" {
		payload = map[string]any{
			"type":              pkt.Type,
			"sequenceNumber":    pkt.SequenceNumber,
			"sequenceTimestamp": pkt.SequenceTimestamp,
			"synchronizationId": pkt.SynchronizationID,
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"type":%q,"marshalError":%q}`, pkt.Type, err.Error())
	}
	return string(data)
}

func (l *Logger) appendLocked(accountID, line string) {
	stamped := fmt.Sprintf("[%s] %s", packet.FormatDate(l.now()), line)
	l.buffers[accountID] = append(l.buffers[accountID], stamped)
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

// folderName returns the dated folder of the current log window, e.g.
// 2024-03-01-02 for the third 4-hour window of the day.
func (l *Logger) folderName() string {
	now := l.now().UTC()
	window := now.Hour() / l.opts.LogFileSizeInHours
	return fmt.Sprintf("%s-%02d", now.Format("2006-01-02"), window)
}

func (l *Logger) flush() {
	l.mu.Lock()
	buffers := l.buffers
	l.buffers = make(map[string][]string)
	l.mu.Unlock()
	if len(buffers) == 0 {
		return
	}

	folder := filepath.Join(l.opts.Directory, l.folderName())
	if err := os.MkdirAll(folder, 0o755); err != nil {
		l.logger.Warn("cannot create packet log folder", "folder", folder, "error", err)
		return
	}

	for accountID, lines := range buffers {
		path := filepath.Join(folder, accountID+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			l.logger.Warn("cannot open packet log", "path", path, "error", err)
			continue
		}
		for _, line := range lines {
			fmt.Fprintln(f, line)
		}
		f.Close()
	}

	l.prune()
}

// prune removes the oldest dated folders beyond the configured limit.
func (l *Logger) prune() {
	entries, err := os.ReadDir(l.opts.Directory)
	if err != nil {
		return
	}
	var folders []string
	for _, e := range entries {
		if e.IsDir() {
			folders = append(folders, e.Name())
		}
	}
	if len(folders) <= l.opts.FileNumberLimit {
		return
	}
	sort.Strings(folders)
	for _, name := range folders[:len(folders)-l.opts.FileNumberLimit] {
		if err := os.RemoveAll(filepath.Join(l.opts.Directory, name)); err != nil {
			l.logger.Warn("cannot prune packet log folder", "folder", name, "error", err)
		}
	}
}

// ReadLogs returns the recorded lines of one account across all retained
// log windows, oldest first.
func (l *Logger) ReadLogs(accountID string) ([]string, error) {
	l.flush()

	entries, err := os.ReadDir(l.opts.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var folders []string
	for _, e := range entries {
		if e.IsDir() {
			folders = append(folders, e.Name())
		}
	}
	sort.Strings(folders)

	var out []string
	for _, folder := range folders {
		path := filepath.Join(l.opts.Directory, folder, accountID+".log")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if line != "" {
				out = append(out, line)
			}
		}
	}
	return out, nil
}
