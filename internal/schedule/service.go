// Package schedule fires broadcasts on cron or interval specs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/dispatch"
	"courier/internal/protocol"
	logx "courier/pkg/logx"
)

// Broadcaster is the part of the dispatch coordinator a schedule needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload string, mode protocol.Mode, ids []string, opts ...dispatch.SendOption) (dispatch.BroadcastRecord, error)
}

// Job is one scheduled broadcast.
type Job struct {
	Name    string
	Spec    string
	Message string
	Mode    protocol.Mode
	Targets []string // empty means every endpoint
}

// EntryInfo describes a registered job for status output.
type EntryInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Kind      string    `json:"kind"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	Runs      int       `json:"runs"`
	LastError string    `json:"last_error,omitempty"`
}

type def struct {
	job     Job
	parsed  ParsedSpec
	entryID cron.EntryID
}

type runStats struct {
	runs    int
	lastErr string
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	b    Broadcaster
	tz   string
	loc  *time.Location
	c    *cron.Cron
	defs []def

	// smu guards ctx and stats; fire never takes mu.
	smu   sync.Mutex
	ctx   context.Context
	stats map[string]*runStats
}

func New(b Broadcaster, timezone string, log logx.Logger) *Service {
	return &Service{
		b:     b,
		tz:    strings.TrimSpace(timezone),
		log:   log.With(logx.String("comp", "schedule")),
		stats: map[string]*runStats{},
	}
}

// Compile parses every job. It reports all bad specs at once.
func Compile(jobs []Job) error {
	_, err := compile(jobs)
	return err
}

func compile(jobs []Job) ([]def, error) {
	var errs []error
	out := make([]def, 0, len(jobs))
	for _, j := range jobs {
		p, err := ParseSchedule(j.Spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", j.Name, err))
			continue
		}
		out = append(out, def{job: j, parsed: p})
	}
	return out, errors.Join(errs...)
}

// Apply replaces the job set and, when running, re-registers everything.
// On error nothing changes.
func (s *Service) Apply(jobs []Job, timezone string) error {
	defs, err := compile(jobs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = defs
	s.tz = strings.TrimSpace(timezone)
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

// Start begins triggering. Broadcasts run with ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.smu.Lock()
	s.ctx = ctx
	s.smu.Unlock()
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.location()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for i := range s.defs {
		s.addLocked(&s.defs[i])
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler reloaded", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) location() *time.Location {
	if s.tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", s.tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) addLocked(d *def) {
	sched, err := d.parsed.schedule()
	if err != nil {
		// compile already parsed it
		s.log.Error("schedule rejected", logx.String("name", d.job.Name), logx.Err(err))
		return
	}
	job := d.job
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(job) }))
}

// fire runs one scheduled broadcast. cron runs it on its own goroutine.
func (s *Service) fire(j Job) {
	s.smu.Lock()
	ctx := s.ctx
	s.smu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	log := s.log.With(logx.String("name", j.Name))
	rec, err := s.b.Broadcast(ctx, j.Message, j.Mode, j.Targets)

	s.smu.Lock()
	st := s.stats[j.Name]
	if st == nil {
		st = &runStats{}
		s.stats[j.Name] = st
	}
	st.runs++
	st.lastErr = ""
	switch {
	case err != nil:
		st.lastErr = err.Error()
	case rec.FailCount > 0:
		st.lastErr = fmt.Sprintf("%d of %d endpoints failed", rec.FailCount, len(rec.Results))
	}
	s.smu.Unlock()

	if err != nil {
		log.Error("scheduled broadcast failed", logx.Err(err))
		return
	}
	log.Info("scheduled broadcast done",
		logx.String("broadcast_id", rec.BroadcastID),
		logx.Int("success", rec.SuccessCount),
		logx.Int("failed", rec.FailCount),
	)
}

// Stop halts triggering and waits for running broadcasts or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Entries lists registered jobs sorted by name.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := EntryInfo{Name: d.job.Name, Spec: d.job.Spec, Kind: d.parsed.Kind.String()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	s.mu.Unlock()

	s.smu.Lock()
	for i := range out {
		if st := s.stats[out[i].Name]; st != nil {
			out[i].Runs = st.runs
			out[i].LastError = st.lastErr
		}
	}
	s.smu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
