// Package alerts implements the rule evaluation engine and webhook delivery
// for relay alerting. Rules are evaluated against per-topic stats on an
// interval; webhooks are delivered to Teams, Slack, PagerDuty, or generic
// HTTP targets.
package alerts
