// Package guestapi pins down the API surface visible to user-authored query
// scripts. Saved scripts are written against these names, so the surface is a
// compatibility contract: renaming a function or a filter field is a breaking
// change and requires a new Version.
package guestapi

// Version identifies the current guest API surface. Bump on any breaking
// change to the names below.
const Version = 1

// Namespace is the global object the data API is installed under.
const Namespace = "q"

// ParamsGlobal is the global holding caller-injected parameters.
const ParamsGlobal = "params"

// Accessors are the async data accessors. Each returns a Promise inside the
// guest.
var Accessors = []string{
	"daily",
	"tasks",
	"objectives",
}

// Helpers are the pure synchronous helpers installed on the q namespace.
var Helpers = []string{
	"today",
	"sum",
	"avg",
	"count",
	"parseTime",
	"formatDuration",
	"formatPercent",
}

// FilterFields are the recognized keys of the filter object accepted by the
// data accessors. Unknown keys are ignored; absent keys mean "no filter".
var FilterFields = []string{
	"year",
	"month",
	"week",
	"from",
	"to",
	"completed",
	"tag",
	"level",
}

// MetricHelpers are installed for computed-metric expressions instead of the
// q namespace. Metric expressions additionally see the read-only globals
// "metrics" and "date".
var MetricHelpers = []string{
	"parseTime",
	"formatDuration",
	"formatTime",
	"isWeekday",
	"round",
}
