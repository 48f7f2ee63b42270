// Package catalog holds the sample ci.jenkins.io data shown alongside the
// assistant: repositories, recent failures and aggregate analytics.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrIncompleteSelection is returned when a repository or build is missing.
	ErrIncompleteSelection = errors.New("select both a repository and a build number")
	// ErrUnknownRepository is returned for a repository id not in the catalog.
	ErrUnknownRepository = errors.New("unknown repository")
	// ErrUnknownBuild is returned for a build number the repository does not have.
	ErrUnknownBuild = errors.New("unknown build")
)

// Repo is a repository the assistant can analyze.
type Repo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Builds []string `json:"builds"`
}

// Failure is one row of the recent-failures table.
type Failure struct {
	ID     int    `json:"id"`
	Repo   string `json:"repo"`
	Build  string `json:"build"`
	Type   string `json:"type"`
	Time   string `json:"time"`
	Job    string `json:"job"`
	Status string `json:"status"`
}

// RepoHealth summarizes a repository on the dashboard.
type RepoHealth struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	FailureRate int    `json:"failure_rate"`
	InfraIssues int    `json:"infra_issues"`
	CodeIssues  int    `json:"code_issues"`
	FlakyTests  int    `json:"flaky_tests"`
	BuildCount  int    `json:"build_count"`
	LastBuild   string `json:"last_build"`
	Trend       string `json:"trend"`
}

// TrendPoint is one week of failures split by classification.
type TrendPoint struct {
	Name           string `json:"name"`
	Infrastructure int    `json:"infrastructure"`
	Code           int    `json:"code"`
	Flaky          int    `json:"flaky"`
}

// Total returns the number of failures in the week.
func (p TrendPoint) Total() int {
	return p.Infrastructure + p.Code + p.Flaky
}

// RepoFailures pairs failures with fixes for one repository.
type RepoFailures struct {
	Name     string `json:"name"`
	Failures int    `json:"failures"`
	Fixes    int    `json:"fixes"`
}

// Share is a named percentage of all failures.
type Share struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// Dashboard is the overview payload.
type Dashboard struct {
	RecentFailures []Failure    `json:"recent_failures"`
	Repositories   []RepoHealth `json:"repositories"`
	Trend          []TrendPoint `json:"trend"`
}

// Analytics is the analytics payload.
type Analytics struct {
	Trend        []TrendPoint   `json:"trend"`
	Repositories []RepoFailures `json:"repositories"`
	FailureTypes []Share        `json:"failure_types"`
}

// Catalog serves read-only sample data.
type Catalog struct {
	repos     []Repo
	dashboard Dashboard
	analytics Analytics
}

// Default returns the built-in sample catalog.
func Default() *Catalog {
	return &Catalog{
		repos:     sampleRepos(),
		dashboard: sampleDashboard(),
		analytics: sampleAnalytics(),
	}
}

// Repos returns the repositories in display order.
func (c *Catalog) Repos() []Repo {
	out := make([]Repo, len(c.repos))
	for i, r := range c.repos {
		r.Builds = slices.Clone(r.Builds)
		out[i] = r
	}
	return out
}

// Repo looks up a repository by id.
func (c *Catalog) Repo(id string) (Repo, bool) {
	for _, r := range c.repos {
		if r.ID == id {
			r.Builds = slices.Clone(r.Builds)
			return r, true
		}
	}
	return Repo{}, false
}

// Dashboard returns the overview data.
func (c *Catalog) Dashboard() Dashboard {
	d := c.dashboard
	d.RecentFailures = slices.Clone(d.RecentFailures)
	d.Repositories = slices.Clone(d.Repositories)
	d.Trend = slices.Clone(d.Trend)
	return d
}

// Analytics returns the aggregate charts data.
func (c *Catalog) Analytics() Analytics {
	a := c.analytics
	a.Trend = slices.Clone(a.Trend)
	a.Repositories = slices.Clone(a.Repositories)
	a.FailureTypes = slices.Clone(a.FailureTypes)
	return a
}

// AnalyzePrompt builds the question the assistant should be asked about a
// specific build.
func (c *Catalog) AnalyzePrompt(repoID, build string) (string, error) {
	repoID = strings.TrimSpace(repoID)
	build = strings.TrimSpace(build)
	if repoID == "" || build == "" {
		return "", ErrIncompleteSelection
	}
	repo, ok := c.Repo(repoID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRepository, repoID)
	}
	if !strings.HasPrefix(build, "#") {
		build = "#" + build
	}
	if !slices.Contains(repo.Builds, build) {
		return "", fmt.Errorf("%w: %s %s", ErrUnknownBuild, repo.Name, build)
	}
	return fmt.Sprintf("Analyze the failure in %s build %s", repo.Name, build), nil
}
