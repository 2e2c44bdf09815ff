// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package escalation implements rule-driven escalation of problematic agent
executions to supervisor-class agents.

A workflow executor builds a RuleEvaluationContext from live execution
signals and hands it to Service.CheckEscalation. The rules engine evaluates
every enabled rule in scope and ranks the matches by priority; the top
match produces a persisted EscalationEvent. Depending on the rule, the
router then selects a supervisor agent by score and the event is assigned,
with realtime, email, and Slack notifications fanned out along the way.
The tracker records timing metrics and serves aggregate statistics and
historical pattern queries.

Rule conditions come in five shapes: threshold, pattern, time_based,
resource_based, and composite. Composite conditions nest the other four
under an and/or operator.
*/
package escalation
