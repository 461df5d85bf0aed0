// Package git runs a clone from start to finish.
//
// CloneRepository takes a config.ClonePlan through five stages: the
// transport negotiates refs and requests a pack, the pack reader streams
// its records, the object store writes them into a quarantine directory,
// the ref updater records branches and tags in one transaction, and the
// checkout materializes the primary branch.
//
// A clone is all or nothing. Objects become visible only once the pack
// trailer has been verified, refs are written only after that, and on any
// failure the destination is returned to the state it was found in: absent
// if the clone created it, empty otherwise.
//
// Example Usage:
//
//	plan := config.DefaultPlan()
//	plan.URI = "https://github.com/org/repo.git"
//	plan.Branch = "main"
//	plan.DestinationPath = "/path/to/repo"
//
//	res, err := git.CloneRepository(ctx, plan, git.CloneOptions{
//	    Progress: progress.NewLogTracker(),
//	})
//	if err != nil {
//	    log.Fatalf("clone failed: %v", err)
//	}
//
// Concurrent clones into the same destination are serialized by a lock
// file next to it; the loser fails with a LockContentionError unless
// CloneOptions.LockWait allows it to wait.
package git
