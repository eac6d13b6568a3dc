// Rule-driven moderation enforcement engine for Discord guilds.
//
// This package (`github.com/prismai/automod/automod`) evaluates chat messages against per-guild rule sets, records violations in a ledger, and escalates repeat offenders (warn, then mute, kick or ban) once they cross a configured warning threshold. Enforcement commands go out through a connector, with retries, rate limiting and idempotency, and every outcome is written to an audit log.
//
// The engine itself lives in `automod/engine`; see `cmd/sentinel` for a daemon built on these packages.
package automod
