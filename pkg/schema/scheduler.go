package schema

import "time"

// SchedulerOptions configures a recurring job. Exactly one of Cron, Interval
// or NextRunAt must be set.
type SchedulerOptions struct {
	Cron      string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	Interval  time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	NextRunAt *time.Time    `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
	// NumberOfExecutions caps how many times the job runs; zero means unbounded.
	NumberOfExecutions int `json:"number_of_executions,omitempty" yaml:"number_of_executions,omitempty"`
}

// JobDefinition names a job together with its schedule.
type JobDefinition struct {
	JobID   string           `json:"job_id"`
	Options SchedulerOptions `json:"options"`
}
