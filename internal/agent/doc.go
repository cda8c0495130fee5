// Package agent manages the registry of autonomous agents that act on
// behalf of human owners. It covers registration, API key issuance and
// verification, per-agent rate limiting, and the lifecycle transitions
// between active, paused, and deactivated.
package agent
