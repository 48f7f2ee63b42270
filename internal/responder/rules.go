package responder

import "github.com/ashureev/jenkins-detective/internal/domain"

// FallbackText is returned when no rule matches.
const FallbackText = "I don't have specific information about that particular issue. In a production version, I would be trained on the complete ci.jenkins.io dataset to provide accurate answers. Could you try asking about Jenkins Core build #5823, Plugin BOM build #349, or Acceptance Test Harness build #1293?"

// FallbackConfidence is attached to the fallback reply.
const FallbackConfidence = 0.3

// Fallback is the rule used when nothing else matches.
var Fallback = Rule{
	Name:           "fallback",
	Response:       FallbackText,
	Classification: domain.ClassUnknown,
	Confidence:     FallbackConfidence,
}

// DefaultRules returns the built-in diagnosis table in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "jenkins-core-5823",
			Triggers: []string{"jenkins core", "core build", "5823"},
			Response: "After analyzing the Jenkins Core build #5823 failure, I've detected that this is most likely an **infrastructure issue**. The build agent experienced network connectivity problems during the Maven dependency resolution phase. This has happened 12 times in the past month with the same error signature.\n\n" +
				"**Error log excerpt:**\n```\nFAILED to download org.jenkins-ci.plugins:plugin-util-api:jar:3.0.1\nFAILED to download org.jenkins-ci.plugins:dark-theme:jar:0.1.0\nConnection reset\n```\n\n" +
				"This pattern matches previous infrastructure failures where the connection to the Maven repository was interrupted. The build should succeed when retried on a different agent.",
			Classification: domain.ClassInfrastructure,
			Confidence:     0.87,
		},
		{
			Name:     "plugin-bom-349",
			Triggers: []string{"plugin", "bom", "349"},
			Response: "Looking at the Plugin BOM build #349 failure, this appears to be a **code-related failure**. The tests are failing because of a recent change in the dependency versions that introduced an incompatibility with the JUnit test framework. This is a legitimate issue that needs to be fixed in the code.\n\n" +
				"**Error log excerpt:**\n```\nTests run: 15, Failures: 3, Errors: 0, Skipped: 0\n[ERROR] Failed to execute goal org.apache.maven.plugins:maven-surefire-plugin:3.0.0:test (default-test) on project plugin-bom: There are test failures.\n[ERROR] Please refer to target/surefire-reports for the individual test results.\n```\n\n" +
				"The failing tests are specifically related to the recent upgrade of the JUnit dependencies. Looking at the history, this started failing after PR #62 was merged which updated several core dependencies.",
			Classification: domain.ClassCode,
			Confidence:     0.92,
		},
		{
			Name:     "ath-1293",
			Triggers: []string{"test harness", "acceptance test", "ath", "1293"},
			Response: "I've examined the Acceptance Test Harness build #1293 failure and can confirm this is most likely a **flaky test**. The 'testPluginInstallation' test has failed inconsistently in 23% of runs over the past 2 weeks, regardless of code changes. The test sometimes times out waiting for conditions that are dependent on network speed or server load.\n\n" +
				"**Error log excerpt:**\n```\norg.openqa.selenium.TimeoutException: Expected condition failed: waiting for element to be clickable: By.xpath: //button[@id='install-plugin-submit'] (tried for 60 second(s) with 500 milliseconds interval)\n```\n\n" +
				"This exact test has passed on subsequent runs without any code changes. I recommend marking it as @Unstable or implementing more robust wait conditions to handle varying response times.",
			Classification: domain.ClassFlaky,
			Confidence:     0.79,
		},
		{
			Name:     "pipeline-782",
			Triggers: []string{"diagnose", "why", "what happened", "pipeline", "782"},
			Response: "After analyzing Pipeline Plugin build #782, I've identified that this is likely an **infrastructure issue** affecting the test environment. The build is failing during the integration tests with connection timeouts when attempting to connect to the Docker daemon.\n\n" +
				"**Error log excerpt:**\n```\njava.io.IOException: Failed to connect to docker daemon at tcp://localhost:2375. Connection refused.\n```\n\n" +
				"This issue appears to be specific to the ci.jenkins.io agent that ran this build. Looking at the historical data, builds that ran on agent 'linux-amd64-c5' have experienced similar Docker connectivity issues 7 times in the past month. This is not related to any code changes in the Pipeline plugin itself.",
			Classification: domain.ClassInfrastructure,
			Confidence:     0.85,
		},
		{
			Name:     "docker-plugin-455",
			Triggers: []string{"docker", "docker-plugin", "455"},
			Response: "I've analyzed Docker Plugin build #455, and this is a clear **code issue** resulting from a recent change. The failure is occurring because the plugin is trying to use a new Docker API endpoint that was introduced in a newer version, but the compatibility check is incorrect.\n\n" +
				"**Error log excerpt:**\n```\njava.lang.NoSuchMethodError: 'boolean com.github.dockerjava.api.DockerClient.pingCmd()'\n```\n\n" +
				"This error started appearing after commit 7a2b3c4 which was intended to add support for Docker API v1.41, but the implementation is attempting to use methods that don't exist in the minimum supported Docker version. The fix would be to add proper version checking before calling these new API methods.",
			Classification: domain.ClassCode,
			Confidence:     0.95,
		},
		{
			Name:     "failure-insights",
			Triggers: []string{"insights", "patterns", "frequency", "statistics"},
			Response: "Based on analysis of ci.jenkins.io data from the past 3 months, here are the key insights about Jenkins build failures:\n\n" +
				"**Overall Statistics:**\n- Total builds analyzed: 15,743\n- Failed builds: 2,217 (14.1%)\n- Infrastructure issues: 42% of failures\n- Code issues: 27% of failures\n- Flaky tests: 31% of failures\n\n" +
				"**Common Patterns:**\n\n" +
				"1. **Network-related infrastructure issues** are the most frequent cause of build failures (18% of all failures). These typically manifest as connection timeouts during dependency resolution.\n\n" +
				"2. **Memory-related failures** account for 13% of infrastructure issues, with OutOfMemoryErrors occurring most frequently in test stages.\n\n" +
				"3. **The most flaky tests** are in the Acceptance Test Harness, particularly those involving UI interactions with timeouts.\n\n" +
				"4. **Most code failures** occur immediately after merges to main branches, indicating potential integration issues.\n\n" +
				"5. There's a **strong correlation** between build time and failure probability - builds taking >45 minutes have a 23% higher chance of failing.",
			Classification: domain.ClassUnknown,
			Confidence:     0.89,
		},
	}
}
