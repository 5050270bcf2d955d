package archive

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/labelpress/internal/config"
	"github.com/orrn/labelpress/internal/core"
)

const (
	filePrefix = "archive_"
	fileSuffix = ".jsonl.gz"
)

var (
	ErrArchiveNotFound = errors.New("archive not found")
	ErrInvalidName     = errors.New("invalid archive name")
)

// JobSource is the job registry the archiver drains.
type JobSource interface {
	ListJobs(f core.JobFilter) ([]*core.Job, error)
	DeleteJob(id string) error
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	DateRange string    `json:"date_range"`
}

type RunResult struct {
	Archived int       `json:"archived"`
	Skipped  int       `json:"skipped"`
	File     string    `json:"file,omitempty"`
	Cutoff   time.Time `json:"cutoff"`
}

// Archiver moves finished jobs older than maxAge into monthly gzip files of
// JSON lines, one job per line, and removes them from the registry.
type Archiver struct {
	src      JobSource
	path     string
	maxAge   time.Duration
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewArchiver(src JobSource, cfg config.ArchiveConfig, log zerolog.Logger) (*Archiver, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/archives"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		src:      src,
		path:     cfg.Path,
		maxAge:   cfg.MaxAge,
		interval: cfg.Interval,
		log:      log.With().Str("component", "archive").Logger(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}, nil
}

func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.loop()
}

func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Archiver) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if _, err := a.RunArchive(); err != nil {
				a.log.Error().Err(err).Msg("archive run failed")
			}
		}
	}
}

// RunArchive archives every finished job that completed before the cutoff.
// Jobs that an unfinished job depends on stay in the registry.
func (a *Archiver) RunArchive() (*RunResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	res := &RunResult{Cutoff: now.Add(-a.maxAge)}

	jobs, err := a.src.ListJobs(core.JobFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	needed := make(map[string]bool)
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		for _, dep := range j.Dependencies {
			needed[dep] = true
		}
	}

	var due []*core.Job
	for _, j := range jobs {
		if !j.Status.Terminal() || !finishedAt(j).Before(res.Cutoff) {
			continue
		}
		if needed[j.ID] {
			res.Skipped++
			continue
		}
		due = append(due, j)
	}
	if len(due) == 0 {
		return res, nil
	}

	res.File = filePrefix + now.Format("2006_01") + fileSuffix
	if err := a.appendJobs(filepath.Join(a.path, res.File), due); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}

	for _, j := range due {
		if err := a.src.DeleteJob(j.ID); err != nil {
			if errors.Is(err, core.ErrJobActive) || errors.Is(err, core.ErrJobInUse) || errors.Is(err, core.ErrJobNotFound) {
				// changed since listing; the archived copy is kept
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("failed to delete archived job %s: %w", j.ID, err)
		}
		res.Archived++
	}

	a.log.Info().
		Str("file", res.File).
		Int("archived", res.Archived).
		Int("skipped", res.Skipped).
		Time("cutoff", res.Cutoff).
		Msg("archived finished jobs")
	return res, nil
}

func finishedAt(j *core.Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.UpdatedAt
}

// appendJobs adds one gzip member to path. Readers see all members as one
// stream.
func (a *Archiver) appendJobs(path string, jobs []*core.Job) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	for _, j := range jobs {
		if err := enc.Encode(j); err != nil {
			zw.Close()
			return fmt.Errorf("encode job %s: %w", j.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	archives := make([]*ArchiveFile, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !validName(file.Name()) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		archives = append(archives, describe(file.Name(), info))
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].Filename < archives[j].Filename })
	return archives, nil
}

// ReadArchive returns the jobs stored in filename in the order they were
// archived.
func (a *Archiver) ReadArchive(filename string) ([]*core.Job, error) {
	path, err := a.resolve(filename)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	var jobs []*core.Job
	dec := json.NewDecoder(zr)
	for {
		var j core.Job
		if err := dec.Decode(&j); err != nil {
			if errors.Is(err, io.EOF) {
				return jobs, nil
			}
			return nil, fmt.Errorf("failed to decode archive: %w", err)
		}
		jobs = append(jobs, &j)
	}
}

func (a *Archiver) DeleteArchive(filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

func (a *Archiver) resolve(filename string) (string, error) {
	if !validName(filename) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	path := filepath.Join(a.path, filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrArchiveNotFound, filename)
		}
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}
	return path, nil
}

func validName(name string) bool {
	return filepath.Base(name) == name &&
		strings.HasPrefix(name, filePrefix) &&
		strings.HasSuffix(name, fileSuffix)
}

func describe(name string, info os.FileInfo) *ArchiveFile {
	return &ArchiveFile{
		Filename:  name,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		DateRange: strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix),
	}
}
