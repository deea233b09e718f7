package action

import "context"

// IssueTracker is the narrow interface the dispatcher needs against the
// external issue-tracking service. The concrete tracker product is out of
// scope for this module; only this adapter surface is owned here.
type IssueTracker interface {
	OpenIssue(ctx context.Context, title, body, category string, assignee string) (issueID string, err error)
	UpdateIssue(ctx context.Context, issueID, status, comment string) error
	ClaimIssue(ctx context.Context, issueID, claimant string) error
	CompleteIssue(ctx context.Context, issueID, summary string) error
	RequestHumanAction(ctx context.Context, title, body string) (issueID string, err error)
}

// CodeHost is the narrow interface the dispatcher needs against the
// external code-hosting service for workspace commit and PR lifecycle
// actions.
type CodeHost interface {
	CommitToMain(ctx context.Context, workspace, message string) error
	CreatePR(ctx context.Context, workspace, title, body, category string) (prID string, err error)
	MergePR(ctx context.Context, prID string) error
	ClaimPR(ctx context.Context, prID, claimant string) error
	ClosePR(ctx context.Context, prID, reason string) error
}

// NoopIssueTracker satisfies IssueTracker when no tracker endpoint is
// configured, so dispatcher wiring never needs a nil check.
type NoopIssueTracker struct{}

func (NoopIssueTracker) OpenIssue(ctx context.Context, title, body, category, assignee string) (string, error) {
	return "", nil
}
func (NoopIssueTracker) UpdateIssue(ctx context.Context, issueID, status, comment string) error {
	return nil
}
func (NoopIssueTracker) ClaimIssue(ctx context.Context, issueID, claimant string) error { return nil }
func (NoopIssueTracker) CompleteIssue(ctx context.Context, issueID, summary string) error {
	return nil
}
func (NoopIssueTracker) RequestHumanAction(ctx context.Context, title, body string) (string, error) {
	return "", nil
}

// NoopCodeHost satisfies CodeHost when no code-hosting endpoint is
// configured.
type NoopCodeHost struct{}

func (NoopCodeHost) CommitToMain(ctx context.Context, workspace, message string) error { return nil }
func (NoopCodeHost) CreatePR(ctx context.Context, workspace, title, body, category string) (string, error) {
	return "", nil
}
func (NoopCodeHost) MergePR(ctx context.Context, prID string) error             { return nil }
func (NoopCodeHost) ClaimPR(ctx context.Context, prID, claimant string) error   { return nil }
func (NoopCodeHost) ClosePR(ctx context.Context, prID, reason string) error     { return nil }
