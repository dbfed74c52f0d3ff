package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type jobKey struct {
	jobType string
	status  string
}

type jobCollector struct {
	mu          sync.Mutex
	transitions map[jobKey]uint64
}

var jobsCollector = &jobCollector{
	transitions: make(map[jobKey]uint64),
}

// ObserveJobTransition records a job status transition for the given
// job type. Status values mirror the job package's lifecycle states.
func ObserveJobTransition(jobType, status string) {
	jobsCollector.mu.Lock()
	jobsCollector.transitions[jobKey{jobType: jobType, status: status}]++
	jobsCollector.mu.Unlock()
}

func (c *jobCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type jobMetric struct {
		jobKey
		value uint64
	}
	metrics := make([]jobMetric, 0, len(c.transitions))
	for key, value := range c.transitions {
		metrics = append(metrics, jobMetric{jobKey: key, value: value})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].jobType == metrics[j].jobType {
			return metrics[i].status < metrics[j].status
		}
		return metrics[i].jobType < metrics[j].jobType
	})

	var builder strings.Builder
	builder.WriteString("# HELP shell_job_transitions_total Total number of job status transitions.\n")
	builder.WriteString("# TYPE shell_job_transitions_total counter\n")
	for _, metric := range metrics {
		builder.WriteString(fmt.Sprintf("shell_job_transitions_total{type=\"%s\",status=\"%s\"} %d\n",
			escape(metric.jobType), escape(metric.status), metric.value))
	}
	return builder.String()
}
