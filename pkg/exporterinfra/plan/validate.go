// Copyright 2024, Pulumi Corporation.  All rights reserved.

package plan

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/diags"
)

// Validate checks the invariants of a set of tasks that share one cluster and one secret bundle:
//
//   - every task has exactly one image tag and one schedule;
//   - every mount point names a volume declared on the same task;
//   - every secret reference names a field of template;
//   - no two tasks share a family, and no two schedules fire at exactly the same times.
//
// Schedules that share some but not all of their firing times only produce a warning.
func Validate(template []string, plans []TaskPlan) diags.Diagnostics {
	var d diags.Diagnostics

	fields := make(map[string]bool, len(template))
	for _, f := range template {
		fields[f] = true
	}

	families := map[string]string{}
	var fired []firing
	for _, p := range plans {
		if p.ImageTag == "" || strings.ContainsAny(p.ImageTag, ": ") {
			d.Extend(diags.Error(p.Range, fmt.Sprintf("task %s must reference exactly one image tag", p.Key),
				fmt.Sprintf("%q is not a single tag", p.ImageTag)))
		}
		if p.ScheduleExpression == "" {
			d.Extend(diags.Error(p.Range, fmt.Sprintf("task %s has no schedule", p.Key), ""))
		}

		volumes := map[string]bool{}
		var declared []string
		for _, v := range p.Volumes {
			volumes[v.Name] = true
			declared = append(declared, v.Name)
		}
		for _, mp := range p.MountPoints {
			if !volumes[mp.SourceVolume] {
				f := diags.UnknownKeyFormatter{
					ParentLabel: fmt.Sprintf("the volumes of task %s", p.Key),
					Keys:        declared,
				}
				summary, detail := f.MessageWithDetail(mp.SourceVolume, fmt.Sprintf("Volume %q", mp.SourceVolume))
				d.Extend(diags.Error(p.Range, summary, detail))
			}
		}

		for _, s := range p.Secrets {
			if !fields[s.Field] {
				f := diags.UnknownKeyFormatter{ParentLabel: "the secret bundle template", Keys: template, MaxElements: 5}
				summary, detail := f.MessageWithDetail(s.Field,
					fmt.Sprintf("Secret field %q (for %s of task %s)", s.Field, s.Name, p.Key))
				d.Extend(diags.Error(p.Range, summary, detail))
			}
		}

		if other, ok := families[p.Family]; ok {
			d.Extend(diags.Error(p.Range, fmt.Sprintf("tasks %s and %s share family %s", other, p.Key, p.Family), ""))
		} else {
			families[p.Family] = p.Key
		}

		if p.ScheduleExpression == "" {
			continue
		}
		cur := newFiring(p)
		if clash := cur.clash(fired); clash != nil {
			d.Extend(clash)
			if clash.Severity == hcl.DiagError {
				continue
			}
		}
		fired = append(fired, cur)
	}
	return d
}

// firing is the expanded firing times of one task's schedule.
type firing struct {
	key, expression, calendar string
	minutes, hours            uint64
	// expanded is false when the minute and hour fields could not be expanded; such schedules
	// only clash with an identical expression.
	expanded bool
	plan     TaskPlan
}

func newFiring(p TaskPlan) firing {
	f := firing{
		key:        p.Key,
		expression: p.ScheduleExpression,
		calendar:   p.Schedule.Calendar(),
		plan:       p,
	}
	if minutes, hours, err := p.Schedule.Times(); err == nil {
		f.minutes, f.hours, f.expanded = minutes, hours, true
	}
	return f
}

func (f firing) same(other firing) bool {
	if f.expression == other.expression {
		return true
	}
	return f.expanded && other.expanded && f.calendar == other.calendar &&
		f.minutes == other.minutes && f.hours == other.hours
}

func (f firing) overlaps(other firing) bool {
	return f.expanded && other.expanded && f.minutes&other.minutes != 0 && f.hours&other.hours != 0
}

// clash reports the first earlier schedule that fires at the same times as f, or failing that the
// first one it shares a firing time with.
func (f firing) clash(earlier []firing) *diags.Diagnostic {
	var overlap *firing
	for i, other := range earlier {
		if f.same(other) {
			if f.expression == other.expression {
				return diags.Error(f.plan.Range,
					fmt.Sprintf("tasks %s and %s are both scheduled at %s", other.key, f.key, f.expression),
					"tasks on the same cluster must not fire simultaneously; give one of them a different minute")
			}
			return diags.Error(f.plan.Range,
				fmt.Sprintf("tasks %s and %s fire at the same times", other.key, f.key),
				fmt.Sprintf("%s and %s expand to the same minutes and hours", other.expression, f.expression))
		}
		if overlap == nil && f.overlaps(other) {
			overlap = &earlier[i]
		}
	}
	if overlap == nil {
		return nil
	}
	return diags.Warning(f.plan.Range,
		fmt.Sprintf("tasks %s and %s may start together", overlap.key, f.key),
		fmt.Sprintf("%s and %s share a minute and hour", overlap.expression, f.expression))
}
