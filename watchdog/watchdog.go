package watchdog

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

var live_loop_count atomic.Int32

// Init configures the process-wide logger. When logfile is true, output goes
// to a timestamped file under log/ instead of the console.
func Init(debug bool, logfile bool) {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}

	writer := log.Writer(&log.ConsoleWriter{Writer: os.Stderr})
	if logfile {
		if err := os.MkdirAll("log", os.ModePerm); err != nil {
			panic(err)
		}
		file, err := os.OpenFile("log/"+time.Now().Format("0102_150405")+"_aerp.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			panic(err)
		}
		writer = &log.ConsoleWriter{Writer: file}
	}

	log.DefaultLogger = log.Logger{
		Level:  level,
		Writer: writer,
	}
	log.Info().Msg("start")
}

// CountLoopStart / CountLoopExit track live broadcast loops. The protocol
// allows at most one per node; a count above one means a stale loop has not
// observed its cancellation yet.
func CountLoopStart() {
	count := live_loop_count.Add(1)
	if count > 1 {
		log.Warn().Msg("live broadcast loop count: " + strconv.Itoa(int(count)))
	}
}

func CountLoopExit() {
	live_loop_count.Add(-1)
}

func LiveLoops() int32 {
	return live_loop_count.Load()
}
