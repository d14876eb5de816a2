package schedule

import (
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/FrancisNGG/app-sign/internal/config"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

type TaskKind string

const (
	KindCheckin   TaskKind = "checkin"
	KindKeepalive TaskKind = "keepalive"
)

type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusRunning
	StatusDone
	StatusRetryScheduled
	StatusFailed
	StatusSkipped
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusRetryScheduled:
		return "retry_scheduled"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Task is one day's check-in unit for one site.
type Task struct {
	ID           string
	Site         string
	Kind         TaskKind
	ScheduledFor time.Time
	Status       TaskStatus
}

// DayTable holds today's check-in tasks, one per enabled site. It is not
// safe for concurrent use; the scheduler serializes all access under its
// own lock.
type DayTable struct {
	// Date is the table's day in the scheduler timezone, "2006-01-02".
	Date string

	midnight time.Time
	tasks    map[string]*Task
}

// BuildDayTable creates the table for the day containing `day` (interpreted
// in day's location). Each enabled site gets exactly one pending task at
// run_time plus a single random offset in [0, random_range] whole minutes.
//
// Tasks already in the past relative to skipBefore are created skipped, not
// pending: a process started at noon must not fire the morning's check-ins.
// Pass the zero time at midnight rebuilds so nothing is skipped.
func BuildDayTable(cfg *config.Config, day time.Time, skipBefore time.Time, rng *rand.Rand, log logx.Logger) *DayTable {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	t := &DayTable{
		Date:     midnight.Format("2006-01-02"),
		midnight: midnight,
		tasks:    map[string]*Task{},
	}
	if cfg == nil {
		return t
	}
	for i := range cfg.Sites {
		sc := &cfg.Sites[i]
		if !sc.Enabled {
			continue
		}
		if task := buildSiteTask(sc, midnight, skipBefore, rng, log); task != nil {
			t.tasks[sc.Name] = task
		}
	}
	return t
}

// buildSiteTask creates one site's pending task for the day starting at
// midnight, or nil when the site's run_time does not parse.
func buildSiteTask(sc *config.SiteConfig, midnight, skipBefore time.Time, rng *rand.Rand, log logx.Logger) *Task {
	clock, err := config.ParseClock("sites."+sc.Name+".run_time", sc.RunTime)
	if err != nil {
		log.Warn("site has no valid run_time, not scheduling it today",
			logx.String("site", sc.Name), logx.Err(err))
		return nil
	}
	var offset time.Duration
	if sc.RandomRange > 0 && rng != nil {
		offset = time.Duration(rng.Intn(sc.RandomRange+1)) * time.Minute
	}
	task := &Task{
		ID:           uuid.NewString(),
		Site:         sc.Name,
		Kind:         KindCheckin,
		ScheduledFor: midnight.Add(clock + offset),
		Status:       StatusPending,
	}
	if !skipBefore.IsZero() && task.ScheduledFor.Before(skipBefore) {
		task.Status = StatusSkipped
		log.Info("scheduled time already passed, skipping for today",
			logx.String("site", sc.Name),
			logx.Time("scheduled_for", task.ScheduledFor),
		)
	}
	return task
}

// Due returns pending tasks whose scheduled time has arrived, earliest first.
func (t *DayTable) Due(now time.Time) []*Task {
	if t == nil {
		return nil
	}
	var due []*Task
	for _, task := range t.tasks {
		if task.Status == StatusPending && !task.ScheduledFor.After(now) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].Site < due[j].Site
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	return due
}

// Task returns the site's task for the day, or nil.
func (t *DayTable) Task(site string) *Task {
	if t == nil {
		return nil
	}
	return t.tasks[site]
}

// Tasks returns all of the day's tasks ordered by site name.
func (t *DayTable) Tasks() []*Task {
	if t == nil {
		return nil
	}
	out := make([]*Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}
