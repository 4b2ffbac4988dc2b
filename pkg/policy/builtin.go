package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		declaredBlacklistPolicy(),
		protectedEnvironmentPolicy(),
		unnamedStoryPolicy(),
	}
}

// declaredBlacklistPolicy honours the environments a story blacklists itself in.
func declaredBlacklistPolicy() Policy {
	return Policy{
		Name:        "declared-blacklist",
		Description: "Stories never run in a test environment they blacklist themselves in",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package storyplayer.blacklist.declared

import rego.v1

deny contains violation if {
	some env in input.story.blacklisted_environments
	env == input.environment
	violation := {
		"message": sprintf("story is blacklisted for test environment '%s'", [env]),
		"severity": "error",
	}
}
`,
	}
}

// protectedEnvironmentPolicy keeps stories out of protected environments
// unless their category is explicitly allowed. Both lists come from the
// policy data document.
func protectedEnvironmentPolicy() Policy {
	return Policy{
		Name:        "protected-environment",
		Description: "Only allowed story categories run in protected test environments",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package storyplayer.blacklist.protected

import rego.v1

allowed if {
	some category in data.storyplayer.allowed_categories
	category == input.story.category
}

deny contains violation if {
	some env in data.storyplayer.protected_environments
	env == input.environment
	not allowed
	violation := {
		"message": sprintf("test environment '%s' is protected; category '%s' is not allowed", [env, input.story.category]),
		"severity": "error",
	}
}
`,
	}
}

func unnamedStoryPolicy() Policy {
	return Policy{
		Name:        "unnamed-story",
		Description: "Warns about stories without a name",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package storyplayer.blacklist.unnamed

import rego.v1

deny contains violation if {
	input.story.name == ""
	violation := {
		"message": sprintf("story in category '%s' has no name", [input.story.category]),
		"severity": "warning",
	}
}
`,
	}
}
