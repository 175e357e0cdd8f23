package core

// Scheduler decides which stage runs next. Execution order always equals
// declaration order; there is no reordering and no concurrency.
type Scheduler struct{}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Next returns the stage at index, or false when the pipeline is done.
func (s *Scheduler) Next(pipeline *Pipeline, index int) (*Stage, bool) {
	if index < 0 || index >= len(pipeline.Stages) {
		return nil, false
	}
	return &pipeline.Stages[index], true
}
