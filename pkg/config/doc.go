// Package config holds the configuration tree of a storyplayer run and the
// resolver that builds it.
//
// # Tree
//
// A Tree is a mapping of tagged values (string, bool, number, mapping, list,
// null) addressed by dotted paths:
//
//	level, err := tree.GetString("storyplayer.logLevel")
//
// Typed accessors fail with PATH_NOT_FOUND when a segment is absent and
// TYPE_MISMATCH when the value has another kind. Mappings remember the order
// of their keys, which is how phase groups keep their handler order.
//
// # Resolution
//
// Resolver.Resolve merges, in order:
//
//  1. the defaults (DefaultConfig)
//  2. every file under each search root whose name matches the file pattern,
//     sorted lexically per root
//  3. files named with WithFiles
//  4. the command line overrides (ParseDefines)
//
// Mappings merge recursively, everything else is replaced by the later
// layer. The merged tree must pass ValidateNamespaces and the built-in CUE
// schema; failures are INVALID_CONFIG and stop the run before any story.
//
// # Example
//
//	overrides, err := config.ParseDefines([]string{"env=staging", config.UseSauceLabsDefine})
//	if err != nil {
//	    return err
//	}
//	tree, err := config.NewResolver().Load(cwd, overrides)
//	if err != nil {
//	    return err
//	}
//	groups, err := config.PhaseGroups(tree)
package config
