package tcplb

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseOpenFilesLimit lifts the soft limit of open files to want, bounded by
// the hard limit, and returns the limit in effect afterwards.
func RaiseOpenFilesLimit(want uint64) (uint64, error) {
	limit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, limit)
	if err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return 0, os.NewSyscallError("getrlimit", err)
	}
	if want > limit.Max {
		log.Warn().Msgf("open files limit %d is above the hard limit %d", want, limit.Max)
		want = limit.Max
	}
	if want <= limit.Cur {
		return limit.Cur, nil
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{
		Cur: want,
		Max: limit.Max,
	})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return limit.Cur, os.NewSyscallError("setrlimit", err)
	}
	log.Info().Msgf("raised open files limit from %d to %d", limit.Cur, want)
	return want, nil
}
