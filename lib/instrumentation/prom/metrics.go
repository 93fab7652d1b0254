package prom

import (
	"gfx.cafe/open/gotoprom"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gotoprom.MustInit(&Pool, "txpool_pool", prometheus.Labels{})
	gotoprom.MustInit(&Operation, "txpool_operation", prometheus.Labels{})
	gotoprom.MustInit(&Bench, "txpool_bench", prometheus.Labels{})
}

type PoolLabels struct {
	Pool string `label:"pool"`
}

type VictimLabels struct {
	Pool  string `label:"pool"`
	Cause string `label:"cause"`
}

func (s *PoolLabels) ToVictim(cause string) VictimLabels {
	return VictimLabels{
		Pool:  s.Pool,
		Cause: cause,
	}
}

type OperationLabels struct {
	Pool   string `label:"pool"`
	Shared string `label:"shared"`
}

func (s *PoolLabels) ToOperation(shared bool) OperationLabels {
	v := "false"
	if shared {
		v = "true"
	}
	return OperationLabels{
		Pool:   s.Pool,
		Shared: v,
	}
}

var Pool struct {
	Created      func(PoolLabels) prometheus.Counter   `name:"created" help:"resources created"`
	Destroyed    func(PoolLabels) prometheus.Counter   `name:"destroyed" help:"resources destroyed"`
	Reaped       func(PoolLabels) prometheus.Counter   `name:"reaped" help:"resources evicted by the reaper"`
	Victims      func(VictimLabels) prometheus.Counter `name:"victims" help:"idle resources destroyed to make room for a mismatched request"`
	Purges       func(PoolLabels) prometheus.Counter   `name:"purges" help:"pool purges"`
	WaitTimeouts func(PoolLabels) prometheus.Counter   `name:"wait_timeouts" help:"reservations that timed out waiting for a resource"`
	Total        func(PoolLabels) prometheus.Gauge     `name:"total" help:"live resources"`
	Free         func(PoolLabels) prometheus.Gauge     `name:"free" help:"idle resources in the free pool"`
	Waiters      func(PoolLabels) prometheus.Gauge     `name:"waiters" help:"callers waiting for a resource"`
}

var Operation struct {
	Reserve func(OperationLabels) prometheus.Histogram `name:"reserve_ms" buckets:"0.005,0.01,0.1,0.25,0.5,0.75,1,5,10,100,500,1000,5000" help:"ms to reserve from pool"`
	Hold    func(OperationLabels) prometheus.Histogram `name:"hold_ms" buckets:"1,5,10,30,75,150,300,500,1000,2000,5000,7500,10000,15000,30000" help:"ms that a resource was held before release"`
}

type BenchLabels struct {
	Scenario string `label:"scenario"`
}

var Bench struct {
	Completed func(BenchLabels) prometheus.Counter `name:"completed" help:"bench iterations completed"`
	Failed    func(BenchLabels) prometheus.Counter `name:"failed" help:"bench iterations failed"`
}
