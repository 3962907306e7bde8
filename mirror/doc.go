// Package mirror maintains local bare mirrors of remote git repositories.
// Mirrors live under a single base directory, one `<name>.git` bare repo
// per configured mirror. A mirror whose directory is absent or empty is
// created with `git clone --mirror`, everything on the remote's `refs/*`
// is mirrored into the local `refs/*`. An existing mirror is brought up to
// date with a plain `git fetch`.
//
// The package only shells out to git, it does not reimplement any git
// plumbing. Commands run with a bounded timeout and their output is
// captured for diagnostics.
//
// # Logging:
//
// package takes slog reference for logging and prints logs up to 'trace' level
//
// Example:
//
//	loggerLevel  = new(slog.LevelVar)
//	levelStrings = map[string]slog.Level{
//		"trace": slog.Level(-8),
//		"debug": slog.LevelDebug,
//		"info":  slog.LevelInfo,
//		"warn":  slog.LevelWarn,
//		"error": slog.LevelError,
//	}
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//		Level: loggerLevel,
//	}))
//	loggerLevel.Set(levelStrings["trace"])
//
//	store := mirror.NewStore("git", runner.New(logger), nil, logger.With("logger", "mirror"))
package mirror
