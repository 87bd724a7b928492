package r2s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"procarray.ai/internal/logger"
)

// Uploader stores one local file under an object key.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	RejectedTotal       uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

// Retry bounds the attempts per file; attempt n waits n²·Backoff before the
// next one.
type Retry struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

var DefaultRetry = Retry{Attempts: 4, Backoff: 200 * time.Millisecond, Timeout: 2 * time.Minute}

type job struct {
	key       string
	localPath string
}

// Mirror uploads files from dataDir in the background. The object key is the
// file's path relative to dataDir, under prefix.
type Mirror struct {
	up      Uploader
	baseAbs string
	prefix  string
	log     logger.Logger
	retry   Retry

	jobs        chan job
	enqueueWait time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closed      atomic.Bool

	enqueued, saturated, dropped, rejected atomic.Uint64
	succeeded, failed                      atomic.Uint64
	lastSuccess, lastError                 atomic.Int64
}

func NewMirror(up Uploader, dataDir, prefix string, workers, queueCapacity int, log logger.Logger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	base, err := filepath.Abs(dataDir)
	if err != nil {
		base = filepath.Clean(dataDir)
	}
	m := &Mirror{
		up:          up,
		baseAbs:     base,
		prefix:      strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		log:         log,
		retry:       DefaultRetry,
		jobs:        make(chan job, queueCapacity),
		enqueueWait: 25 * time.Millisecond,
	}
	m.wg.Add(workers)
	for range workers {
		go m.worker()
	}
	return m
}

// Enqueue schedules localPath for upload. Files outside the data dir are
// rejected; when the queue stays full for a few milliseconds the file is
// dropped.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.up == nil || m.closed.Load() {
		return
	}
	m.enqueued.Add(1)
	key, err := m.objectKey(localPath)
	if err != nil {
		m.rejected.Add(1)
		m.log.Warnf("mirror reject local=%s err=%v", localPath, err)
		return
	}
	j := job{key: key, localPath: localPath}

	select {
	case m.jobs <- j:
		return
	default:
	}
	m.saturated.Add(1)
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- j:
	case <-timer.C:
		n := m.dropped.Add(1)
		m.log.Warnf("mirror drop key=%s reason=queue_saturated dropped_total=%d", key, n)
	}
}

// Close stops accepting files and waits for queued uploads. Enqueue must not
// race with Close.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.jobs)
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueued.Load(),
		QueueSaturatedTotal: m.saturated.Load(),
		DroppedTotal:        m.dropped.Load(),
		RejectedTotal:       m.rejected.Load(),
		UploadSuccessTotal:  m.succeeded.Load(),
		UploadFailTotal:     m.failed.Load(),
		LastSuccessUnix:     m.lastSuccess.Load(),
		LastErrorUnix:       m.lastError.Load(),
	}
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for j := range m.jobs {
		if err := m.upload(j); err != nil {
			m.failed.Add(1)
			m.lastError.Store(time.Now().UTC().Unix())
			m.log.Errorf("mirror upload failed key=%s err=%v", j.key, err)
			continue
		}
		m.succeeded.Add(1)
		m.lastSuccess.Store(time.Now().UTC().Unix())
		m.log.Debugf("mirror uploaded key=%s", j.key)
	}
}

func (m *Mirror) upload(j job) error {
	var err error
	for attempt := 1; attempt <= m.retry.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.retry.Timeout)
		err = m.up.PutFile(ctx, j.key, j.localPath)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < m.retry.Attempts {
			time.Sleep(time.Duration(attempt*attempt) * m.retry.Backoff)
		}
	}
	return err
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(m.baseAbs, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", abs, m.baseAbs)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	if m.prefix != "" {
		rel = path.Join(m.prefix, rel)
	}
	return rel, nil
}
