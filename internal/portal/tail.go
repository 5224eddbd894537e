package portal

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sai-cam/sai-cam/internal/logger"
)

// Tailer follows the agent's log file and delivers appended lines. It
// survives rotation: when the path's inode changes (lumberjack renames the
// old file and creates a fresh one), the tailer reopens and continues from
// the start of the new file.
type Tailer struct {
	path  string
	log   logger.Logger
	lines chan string
}

// NewTailer creates a tailer for path; Lines() delivers appended lines
// once Run is started.
func NewTailer(path string, log logger.Logger) *Tailer {
	return &Tailer{
		path:  path,
		log:   log,
		lines: make(chan string, 256),
	}
}

// Lines is the stream of appended log lines. Slow consumers lose lines
// rather than stalling the tailer.
func (t *Tailer) Lines() <-chan string {
	return t.lines
}

// Run tails until ctx is cancelled. fsnotify drives the common case; a
// one-second poll backstops filesystems without reliable notification.
func (t *Tailer) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.log.Warn("Log watch unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		// Watch the directory: rotation replaces the file itself.
		_ = watcher.Add(dirOf(t.path))
	}

	var file *os.File
	var reader *bufio.Reader
	var inode uint64

	reopen := func() {
		if file != nil {
			file.Close()
			file = nil
		}
		f, err := os.Open(t.path)
		if err != nil {
			return
		}
		file = f
		reader = bufio.NewReader(f)
		inode = inodeOf(f)
	}

	// Start at the end of the existing file; history is served by the
	// /api/logs endpoint, the stream only carries new lines.
	reopen()
	if file != nil {
		_, _ = file.Seek(0, io.SeekEnd)
		reader = bufio.NewReader(file)
	}

	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	var events chan fsnotify.Event
	if watcher != nil {
		events = make(chan fsnotify.Event)
		go func() {
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			if file != nil {
				file.Close()
			}
			return
		case <-poll.C:
		case <-events:
		}

		if file == nil {
			reopen()
			if file == nil {
				continue
			}
		} else if current := inodeOfPath(t.path); current != 0 && current != inode {
			// Rotated underneath us: drain what is left of the old file,
			// then switch to the new one.
			t.drain(reader)
			reopen()
		}

		if reader != nil {
			t.drain(reader)
		}
	}
}

func (t *Tailer) drain(reader *bufio.Reader) {
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			select {
			case t.lines <- line[:len(line)-1]:
			default:
				// Drop rather than block the tailer on a slow browser.
			}
		}
		if err != nil {
			return
		}
	}
}

// LastLines returns up to n trailing lines of the log file for the
// /api/logs endpoint.
func LastLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Ring of the last n lines; log files stay small enough under
	// rotation that a full scan is acceptable.
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	return ring, scanner.Err()
}
