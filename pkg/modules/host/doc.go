// Package host is the "host" helper module available to stories.
//
// It runs commands on registered hosts over SSH and manages long-running
// processes started inside detached GNU screen sessions:
//
//	h, err := engine.UseModule[*host.Module](ec, host.ModuleName)
//	if err != nil {
//		return err
//	}
//	for _, id := range ec.HostsWithRole("host_target") {
//		if err := h.StartInScreen(ctx, id, "storyplayer_test_session", "top"); err != nil {
//			return err
//		}
//	}
//
// Started sessions are recorded in the runtime table under the "screen"
// parent so that a later run can find and stop them.
package host
