package scenario

import "time"

// Builtin returns the bundled demo: a small crawler that runs a worker
// pool under a supervisor, including a suspend/resume cycle and one
// deadline cancellation.
func Builtin() *Scenario {
	ms := func(d int) time.Duration { return time.Duration(d) * time.Millisecond }
	return &Scenario{
		Name: "crawler demo",
		Steps: []Step{
			{Event: "task_spawned", ID: "t-main", Name: "crawler"},
			{Event: "task_scheduled", ID: "t-main", After: ms(40)},
			{Event: "nursery_opened", ID: "n-super", Parent: "t-main", Name: "supervisor", After: ms(60)},
			{Event: "task_spawned", ID: "t-sched", Parent: "n-super", Name: "url scheduler", After: ms(50)},
			{Event: "task_scheduled", ID: "t-sched", After: ms(30)},
			{Event: "nursery_opened", ID: "n-pool", Parent: "t-sched", Name: "fetch pool", After: ms(80)},
			{Event: "task_spawned", ID: "w1", Parent: "n-pool", Name: "fetch worker 1", After: ms(60)},
			{Event: "task_spawned", ID: "w2", Parent: "n-pool", Name: "fetch worker 2", After: ms(40)},
			{Event: "task_spawned", ID: "w3", Parent: "n-pool", Name: "fetch worker 3", After: ms(40)},
			{Event: "task_scheduled", ID: "w1", After: ms(50)},
			{Event: "task_suspended", ID: "w1", After: ms(90)},
			{Event: "task_scheduled", ID: "w2", After: ms(30)},
			{Event: "task_suspended", ID: "w2", After: ms(70)},
			{Event: "task_scheduled", ID: "w3", After: ms(30)},
			{Event: "task_scheduled", ID: "w1", After: ms(120)},
			{Event: "task_exited", ID: "w1", After: ms(80)},
			{Event: "task_exited", ID: "w3", After: ms(60)},
			{Event: "task_spawned", ID: "w4", Parent: "n-pool", Name: "retry worker", After: ms(70)},
			{Event: "task_scheduled", ID: "w4", After: ms(40)},
			{Event: "task_scheduled", ID: "w2", After: ms(90)},
			{Event: "task_exited", ID: "w2", After: ms(50)},
			{Event: "task_cancelled", ID: "w4", After: ms(130)},
			{Event: "nursery_closing", ID: "n-pool", After: ms(40)},
			{Event: "nursery_closed", ID: "n-pool", After: ms(60)},
			{Event: "task_exited", ID: "t-sched", After: ms(50)},
			{Event: "nursery_closing", ID: "n-super", After: ms(40)},
			{Event: "nursery_closed", ID: "n-super", After: ms(50)},
			{Event: "task_exited", ID: "t-main", After: ms(60)},
			{Event: StepEnd, After: ms(80)},
		},
	}
}
