package catalog

func sampleRepos() []Repo {
	return []Repo{
		{ID: "jenkins-core", Name: "Jenkins Core", Builds: []string{"#5823", "#5822", "#5821", "#5820", "#5819"}},
		{ID: "plugin-bom", Name: "Jenkins Plugin BOM", Builds: []string{"#349", "#348", "#347", "#346"}},
		{ID: "ath", Name: "Acceptance Test Harness", Builds: []string{"#1293", "#1292", "#1291"}},
		{ID: "pipeline", Name: "Pipeline Plugin", Builds: []string{"#782", "#781", "#780"}},
		{ID: "docker-plugin", Name: "Docker Plugin", Builds: []string{"#455", "#454", "#453"}},
	}
}

func sampleTrend() []TrendPoint {
	return []TrendPoint{
		{Name: "Week 1", Infrastructure: 24, Code: 15, Flaky: 18},
		{Name: "Week 2", Infrastructure: 28, Code: 13, Flaky: 22},
		{Name: "Week 3", Infrastructure: 26, Code: 19, Flaky: 16},
		{Name: "Week 4", Infrastructure: 32, Code: 11, Flaky: 19},
		{Name: "Week 5", Infrastructure: 22, Code: 16, Flaky: 23},
		{Name: "Week 6", Infrastructure: 30, Code: 18, Flaky: 21},
	}
}

func sampleDashboard() Dashboard {
	return Dashboard{
		RecentFailures: []Failure{
			{ID: 1, Repo: "Jenkins Core", Build: "#5823", Type: "Infrastructure", Time: "2h ago", Job: "jenkins_main_trunk", Status: "Diagnosed"},
			{ID: 2, Repo: "Jenkins Plugin BOM", Build: "#349", Type: "Code", Time: "5h ago", Job: "plugin-compat-tester", Status: "Investigating"},
			{ID: 3, Repo: "Acceptance Test Harness", Build: "#1293", Type: "Flaky Test", Time: "Yesterday", Job: "ATH-stable", Status: "Fixed"},
			{ID: 4, Repo: "Pipeline Plugin", Build: "#782", Type: "Infrastructure", Time: "2 days ago", Job: "pipeline-stage-tags", Status: "Reopened"},
			{ID: 5, Repo: "Docker Plugin", Build: "#455", Type: "Code", Time: "3 days ago", Job: "docker-plugin-master", Status: "Fixed"},
		},
		Repositories: []RepoHealth{
			{ID: 1, Name: "Jenkins Core", Description: "The Jenkins Continuous Integration and Delivery server", FailureRate: 12, InfraIssues: 5, CodeIssues: 3, FlakyTests: 4, BuildCount: 342, LastBuild: "2h ago", Trend: "improving"},
			{ID: 2, Name: "Jenkins Plugin BOM", Description: "Bill of Materials for Jenkins plugins", FailureRate: 8, InfraIssues: 2, CodeIssues: 4, FlakyTests: 2, BuildCount: 183, LastBuild: "4h ago", Trend: "stable"},
			{ID: 3, Name: "Acceptance Test Harness", Description: "Framework for testing Jenkins and plugins", FailureRate: 15, InfraIssues: 6, CodeIssues: 3, FlakyTests: 6, BuildCount: 267, LastBuild: "Yesterday", Trend: "declining"},
			{ID: 4, Name: "Pipeline Plugin", Description: "Jenkins Pipeline implementation", FailureRate: 9, InfraIssues: 3, CodeIssues: 4, FlakyTests: 2, BuildCount: 215, LastBuild: "3h ago", Trend: "improving"},
		},
		Trend: sampleTrend(),
	}
}

func sampleAnalytics() Analytics {
	return Analytics{
		Trend: sampleTrend(),
		Repositories: []RepoFailures{
			{Name: "Jenkins Core", Failures: 45, Fixes: 32},
			{Name: "Plugin BOM", Failures: 32, Fixes: 28},
			{Name: "Test Harness", Failures: 38, Fixes: 22},
			{Name: "Pipeline", Failures: 25, Fixes: 20},
			{Name: "Docker Plugin", Failures: 18, Fixes: 15},
		},
		FailureTypes: []Share{
			{Name: "Infrastructure", Value: 42},
			{Name: "Code Issues", Value: 27},
			{Name: "Flaky Tests", Value: 31},
		},
	}
}
