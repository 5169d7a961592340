package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	executionsStartedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cur_processor_executions_started_total",
		Help: "Total number of workflow executions started.",
	})
	executionsCompletedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cur_processor_executions_completed_total",
		Help: "Total number of workflow executions completed, by terminal status.",
	}, []string{"status"})
	stageRetriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cur_processor_stage_retries_total",
		Help: "Total number of stage retries, by stage.",
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(executionsStartedCounter)
	prometheus.MustRegister(executionsCompletedCounter)
	prometheus.MustRegister(stageRetriesCounter)
}
