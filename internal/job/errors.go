// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package job

import "errors"

var (
	// ErrInvalidJobName is returned by ValidateJobName.
	ErrInvalidJobName = errors.New("job: name must be lowercase alphanumeric and underscores, and not reserved")

	// ErrInvalidSettingSchema is returned when a PublishedSetting's
	// declared schema is malformed.
	ErrInvalidSettingSchema = errors.New("job: published setting has an invalid name or missing datatype")

	// ErrJobPresent is returned by New when a job with the same name is
	// already running on this node.
	ErrJobPresent = errors.New("job: a job with this name is already running on this node")

	// ErrInvalidTransition is returned by SetState for a transition not in
	// allowedTransitions.
	ErrInvalidTransition = errors.New("job: illegal state transition")

	// ErrAlreadyCleanedUp is returned by operations attempted after
	// CleanUp has completed.
	ErrAlreadyCleanedUp = errors.New("job: already cleaned up")

	// ErrUnknownSetting is returned by Get/Set for a name not in the
	// job's published-settings schema.
	ErrUnknownSetting = errors.New("job: unknown published setting")

	// ErrNotSettable is returned when a caller attempts to mutate a
	// setting declared settable=false.
	ErrNotSettable = errors.New("job: setting is not settable")

	// ErrNotActiveWorker is returned by NewWorkerJob when this node is not
	// an active worker in the cluster.
	ErrNotActiveWorker = errors.New("job: this node is not an active worker")

	// ErrMissingPluginName is returned by NewPluginJob when no plugin name
	// was supplied as the job source tag.
	ErrMissingPluginName = errors.New("job: plugin jobs must carry a plugin name")
)
