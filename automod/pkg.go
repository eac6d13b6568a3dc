package automod

import (
	"github.com/prismai/automod/automod/countstore"
	"github.com/prismai/automod/automod/engine"
	"github.com/prismai/automod/automod/rules"
)

type Engine = engine.Engine
type Decision = engine.Decision
type Result = engine.Result
type State = engine.State
type RuleStats = engine.RuleStats

type Notifier = engine.Notifier
type SlackNotifier = engine.SlackNotifier

type Message = rules.Message
type Action = rules.Action
type Rule = rules.Rule
type RuleSet = rules.RuleSet
type MatcherSpec = rules.MatcherSpec

var (
	ActionNone   = rules.ActionNone
	ActionDelete = rules.ActionDelete
	ActionWarn   = rules.ActionWarn
	ActionMute   = rules.ActionMute
	ActionKick   = rules.ActionKick
	ActionBan    = rules.ActionBan

	PeriodTotal = countstore.PeriodTotal
	PeriodDay   = countstore.PeriodDay
	PeriodHour  = countstore.PeriodHour
)
