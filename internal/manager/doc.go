// Package manager is the deployment supervisor. It starts model containers
// (through the inference launcher for chat models, directly on the runtime for
// the rest), tracks per-job progress, finalizes new containers onto the bridge
// network, stops deployments and reconciles containers that die on their own.
// It is structured into small files by concern:
//
//   - manager.go: core Manager type and small getters.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: job state (JobStatus, Job) and the collaborator interfaces.
//   - errors.go: deploy failure errors and helpers (IsDeployFailure).
//   - progress.go: the job store and the monotonic progress reducer.
//   - deploy.go: Deploy, launcher retry and the direct runtime path.
//   - finalize.go: post-launch container lookup, network attach, rename, records.
//   - stop.go: Stop and the board reset that follows it.
//   - reconcile.go: background death detection feeding lifecycle records.
//   - notify.go: agent notification after a deploy.
//   - status_report.go: progress views and Snapshot.
//
// External packages should use public methods only (NewWithConfig, Deploy,
// Progress, WatchProgress, Stop, Reconcile, RunReconciler).
package manager
