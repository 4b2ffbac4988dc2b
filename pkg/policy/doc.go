// Package policy decides whether a story is blacklisted for a test
// environment using Open Policy Agent (Rego) policies.
//
// Every policy is a Rego module whose package defines a `deny` set. Entries
// are either strings or objects with "message" and "severity" keys. A story
// is blacklisted when any enabled policy denies it with severity "error" or
// "critical"; other entries are logged as warnings.
//
// Policies see the story and environment as `input`:
//
//	{
//	  "environment": "staging",
//	  "story": {
//	    "name": "can log in",
//	    "category": "Smoke",
//	    "group": ["Login"],
//	    "full_name": "Smoke > Login > can log in",
//	    "required_roles": ["web"],
//	    "blacklisted_environments": ["production"]
//	  }
//	}
//
// and any extra document passed with WithData as `data`.
//
// # Built-in Policies
//
//   - declared-blacklist: honours the environments a story blacklists itself in
//   - protected-environment: only data.storyplayer.allowed_categories run in
//     data.storyplayer.protected_environments
//   - unnamed-story: warns about stories without a name
//
// # Usage
//
//	eng, err := policy.NewEngine(log.Logger, policy.WithData(data))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{".storyplayer/policies"}); err != nil {
//	    return err
//	}
//	ec.Blacklist = eng
package policy
