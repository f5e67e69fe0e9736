// Package testutil provides testing utilities for the renobot project.
package testutil

// Safe test secrets that won't trigger GitHub's push protection.
// These are intentionally simple and obviously fake to avoid secret scanning.
const (
	// FakeGitHubToken is a safe test token for GitHub API authentication.
	FakeGitHubToken = "test-github-token"

	// FakeWebhookSecret is a safe shared secret for webhook signature tests.
	FakeWebhookSecret = "test-webhook-secret"
)
