// Package scripting loads stories and scripts written in Starlark.
//
// A story file sets its metadata as globals and defines its phases as
// functions (or lists of functions): test_setup, test_teardown,
// pre_test_prediction, pre_test_inspection, action, post_test_inspection.
// An optional can_run function may return False or a reason string to mark
// the story INCOMPLETE.
//
// Callbacks reach the engine through the predeclared `sp` module: sp.log,
// sp.checkpoint_get/set, sp.expect, sp.expect_equal, sp.fail,
// sp.hosts_with_role, sp.config_*, sp.runtime_* and sp.host.*.
// Failures raised by sp keep their engine error code, so sp.expect fails a
// story with ASSERTION_FAILURE.
package scripting
