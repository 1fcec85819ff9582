package rules

import (
	"testing"
	"time"
)

type fakeLookup struct {
	triggered map[string]time.Time
}

func (f fakeLookup) SensorTriggered(username string, remoteSensorID int) (bool, time.Time, bool) {
	since, ok := f.triggered[key(username, remoteSensorID)]
	if !ok {
		return false, time.Time{}, false
	}
	return true, since, true
}

func key(username string, remoteSensorID int) string {
	return username + "#" + string(rune('0'+remoteSensorID))
}

func TestEvaluateElement_Sensor(t *testing.T) {
	now := time.Now()
	lookup := fakeLookup{triggered: map[string]time.Time{key("sensor1", 1): now.Add(-5 * time.Second)}}

	e := &RuleElement{Kind: KindSensor, Sensor: &RuleSensor{Username: "sensor1", RemoteSensorID: 1}}
	if !EvaluateElement(e, now, lookup) {
		t.Fatal("expected sensor element to be triggered")
	}
	if !e.Eval.Triggered {
		t.Fatal("Eval.Triggered not set after EvaluateElement")
	}
}

func TestEvaluateElement_SensorNotKnown(t *testing.T) {
	now := time.Now()
	e := &RuleElement{Kind: KindSensor, Sensor: &RuleSensor{Username: "ghost", RemoteSensorID: 1}}
	if EvaluateElement(e, now, fakeLookup{}) {
		t.Fatal("expected unknown sensor to be unsatisfied")
	}
}

func TestEvaluateElement_SensorTimeTriggeredFor(t *testing.T) {
	now := time.Now()
	lookup := fakeLookup{triggered: map[string]time.Time{key("s", 1): now.Add(-2 * time.Second)}}
	e := &RuleElement{Kind: KindSensor, Sensor: &RuleSensor{Username: "s", RemoteSensorID: 1}, TimeTriggeredFor: 10}

	if EvaluateElement(e, now, lookup) {
		t.Fatal("expected not yet triggered long enough")
	}

	lookup = fakeLookup{triggered: map[string]time.Time{key("s", 1): now.Add(-20 * time.Second)}}
	if !EvaluateElement(e, now, lookup) {
		t.Fatal("expected triggered long enough to be satisfied")
	}
}

func TestEvaluateBoolean_And(t *testing.T) {
	now := time.Now()
	lookup := fakeLookup{triggered: map[string]time.Time{
		key("a", 1): now,
		key("b", 2): now,
	}}
	b := &RuleElement{Kind: KindBoolean, Boolean: &RuleBoolean{Op: OpAnd, Children: []*RuleElement{
		{Kind: KindSensor, Sensor: &RuleSensor{Username: "a", RemoteSensorID: 1}},
		{Kind: KindSensor, Sensor: &RuleSensor{Username: "b", RemoteSensorID: 2}},
	}}}
	if !EvaluateElement(b, now, lookup) {
		t.Fatal("expected AND of two true sensors to be true")
	}

	lookup2 := fakeLookup{triggered: map[string]time.Time{key("a", 1): now}}
	if EvaluateElement(b, now, lookup2) {
		t.Fatal("expected AND with one false sensor to be false")
	}
}

func TestEvaluateBoolean_Or(t *testing.T) {
	now := time.Now()
	lookup := fakeLookup{triggered: map[string]time.Time{key("a", 1): now}}
	b := &RuleElement{Kind: KindBoolean, Boolean: &RuleBoolean{Op: OpOr, Children: []*RuleElement{
		{Kind: KindSensor, Sensor: &RuleSensor{Username: "a", RemoteSensorID: 1}},
		{Kind: KindSensor, Sensor: &RuleSensor{Username: "b", RemoteSensorID: 2}},
	}}}
	if !EvaluateElement(b, now, lookup) {
		t.Fatal("expected OR with one true sensor to be true")
	}
}

func TestEvaluateBoolean_Not(t *testing.T) {
	now := time.Now()
	b := &RuleElement{Kind: KindBoolean, Boolean: &RuleBoolean{Op: OpNot, Children: []*RuleElement{
		{Kind: KindSensor, Sensor: &RuleSensor{Username: "a", RemoteSensorID: 1}},
	}}}
	if !EvaluateElement(b, now, fakeLookup{}) {
		t.Fatal("expected NOT of false sensor to be true")
	}
}

func TestEvaluateHour_Range(t *testing.T) {
	r := &RuleHour{Start: 9, End: 17}
	inRange := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	outOfRange := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)

	if !evaluateHour(r, inRange) {
		t.Fatal("expected 12:00 to be in [9,17]")
	}
	if evaluateHour(r, outOfRange) {
		t.Fatal("expected 20:00 to be outside [9,17]")
	}
}

func TestUpdateLevel_SingleRuleFires(t *testing.T) {
	now := time.Now()
	lookup := fakeLookup{triggered: map[string]time.Time{key("s", 1): now}}

	level := &AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules: []*RuleStart{
			{Order: 0, Body: &RuleElement{Kind: KindSensor, Sensor: &RuleSensor{Username: "s", RemoteSensorID: 1}}},
		},
	}

	if !UpdateLevel(level, now, lookup) {
		t.Fatal("expected single-rule chain to finalize immediately")
	}
	if level.Rules[0].Eval.Finalized {
		t.Fatal("expected chain to reset to unfinalized after firing")
	}
}

func TestUpdateLevel_TwoRuleChainRespectsMinTimeAfterPrev(t *testing.T) {
	lookup := fakeLookup{triggered: map[string]time.Time{
		key("a", 1): time.Time{},
		key("b", 2): time.Time{},
	}}

	level := &AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules: []*RuleStart{
			{Order: 0, Body: &RuleElement{Kind: KindSensor, Sensor: &RuleSensor{Username: "a", RemoteSensorID: 1}}},
			{Order: 1, MinTimeAfterPrev: 5, MaxTimeAfterPrev: 100,
				Body: &RuleElement{Kind: KindSensor, Sensor: &RuleSensor{Username: "b", RemoteSensorID: 2}}},
		},
	}

	t0 := time.Now()
	if UpdateLevel(level, t0, lookup) {
		t.Fatal("expected chain not to finalize on first pass (step 2 must wait MinTimeAfterPrev)")
	}
	if !level.Rules[0].Eval.Finalized {
		t.Fatal("expected step 1 to have finalized on first pass")
	}

	if UpdateLevel(level, t0.Add(2*time.Second), lookup) {
		t.Fatal("expected chain still not finalized before MinTimeAfterPrev elapses")
	}

	if !UpdateLevel(level, t0.Add(6*time.Second), lookup) {
		t.Fatal("expected chain to finalize once MinTimeAfterPrev has elapsed")
	}
}

func TestUpdateLevel_MaxTimeAfterPrevResetsChain(t *testing.T) {
	lookup := fakeLookup{triggered: map[string]time.Time{
		key("a", 1): time.Time{},
		key("b", 2): time.Time{},
	}}

	level := &AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules: []*RuleStart{
			{Order: 0, Body: &RuleElement{Kind: KindSensor, Sensor: &RuleSensor{Username: "a", RemoteSensorID: 1}}},
			{Order: 1, MinTimeAfterPrev: 1, MaxTimeAfterPrev: 5,
				Body: &RuleElement{Kind: KindSensor, Sensor: &RuleSensor{Username: "b", RemoteSensorID: 2}}},
		},
	}

	t0 := time.Now()
	// MinTimeAfterPrev: 1 keeps step 2 from finalizing in the same pass as
	// step 1 (dt=0 wouldn't satisfy it), so the chain is still mid-flight and
	// step 1 stays finalized after this call.
	UpdateLevel(level, t0, lookup)
	if !level.Rules[0].Eval.Finalized {
		t.Fatal("expected step 1 finalized after first pass")
	}

	UpdateLevel(level, t0.Add(10*time.Second), lookup)
	if level.Rules[0].Eval.Finalized {
		t.Fatal("expected step 1 to reset once MaxTimeAfterPrev window for step 2 is missed")
	}
}

func TestUpdateLevel_CounterLimitBlocksOnceReached(t *testing.T) {
	lookup := fakeLookup{triggered: map[string]time.Time{key("a", 1): time.Time{}}}

	level := &AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules: []*RuleStart{
			{Order: 0, CounterActivated: true, CounterLimit: 1, CounterWaitTime: 60,
				Body: &RuleElement{Kind: KindSensor, Sensor: &RuleSensor{Username: "a", RemoteSensorID: 1}}},
		},
	}

	t0 := time.Now()
	if !UpdateLevel(level, t0, lookup) {
		t.Fatal("expected first hit to finalize (counter 0 < limit 1)")
	}

	// UpdateLevel already reset Finalized to false as part of firing above;
	// CounterHits survive the reset, so this second hit is judged against
	// the same CounterWaitTime window.
	if UpdateLevel(level, t0.Add(time.Second), lookup) {
		t.Fatal("expected second hit within CounterWaitTime to be blocked by CounterLimit")
	}
}

func TestAlertLevel_ResetFrom(t *testing.T) {
	level := &AlertLevel{Rules: []*RuleStart{
		{Order: 0, Eval: RuleStartEval{Finalized: true, TimeWhenTriggered: 1}},
		{Order: 1, Eval: RuleStartEval{Finalized: true, TimeWhenTriggered: 2}},
	}}

	level.ResetFrom(1)
	if !level.Rules[0].Eval.Finalized {
		t.Fatal("expected rule 0 to remain finalized")
	}
	if level.Rules[1].Eval.Finalized {
		t.Fatal("expected rule 1 to be reset")
	}
}
