package xlog

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache
var defaultLoggerCacheExpiry = 6 * time.Hour

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// AddContext permanently attaches context to the job's logger. Any future
// logging for this job id will include this context.
func AddContext(jobID string, keyvals ...interface{}) {
	logger := kitlog.With(getLogger(jobID), redactKeyvals(keyvals...)...)

	err := loggerCache.Replace(jobID, logger, defaultLoggerCacheExpiry)
	if err != nil {
		_ = logger.Log("msg", "error replacing logger in cache: "+err.Error())
	}
}

func Log(jobID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(jobID), "msg", message).Log(redactKeyvals(keyvals...)...)
}

// LogNoJobID logs in situations where we don't have a job id to hand.
// Should be used sparingly and with as much context inserted into the
// message as possible.
func LogNoJobID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(redactKeyvals(keyvals...)...)
}

func LogError(jobID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(jobID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(redactKeyvals(keyvals...)...)
}

func getLogger(jobID string) kitlog.Logger {
	logger, found := loggerCache.Get(jobID)
	if found {
		return logger.(kitlog.Logger)
	}

	newLogger := kitlog.With(newLogger(), "job_id", jobID)
	err := loggerCache.Add(jobID, newLogger, defaultLoggerCacheExpiry)
	if err != nil {
		_ = newLogger.Log("msg", "error adding logger to cache", "job_id", jobID, "err", err.Error())
	}
	return newLogger
}

func newLogger() kitlog.Logger {
	newLogger := kitlog.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	return kitlog.With(newLogger, "ts", kitlog.DefaultTimestampUTC)
}

func redactKeyvals(keyvals ...interface{}) []interface{} {
	var res []interface{}
	for i := range keyvals {
		if i%2 == 1 {
			k, v := keyvals[i-1], keyvals[i]
			res = append(res, k)
			switch s := v.(type) {
			case string:
				res = append(res, RedactURL(s))
			case url.URL:
				res = append(res, s.Redacted())
			case *url.URL:
				if s != nil {
					res = append(res, s.Redacted())
				}
			default:
				res = append(res, v)
			}
		}
	}
	return res
}

func RedactLogs(str, delim string) string {
	if delim == "" {
		return str
	}

	splitstr := strings.Split(str, delim)
	if len(splitstr) == 1 {
		return str
	}

	redactedstr := []string{}
	for _, v := range splitstr {
		redactedstr = append(redactedstr, RedactURL(v))
	}
	return strings.Join(redactedstr[:], delim)
}

// RedactURL strips query strings and userinfo (bearer tokens, presigned
// signatures) from http/s3-style URLs before they reach any log line.
func RedactURL(str string) string {
	strLower := strings.ToLower(str)
	if !strings.HasPrefix(strLower, "http") && !strings.HasPrefix(strLower, "s3") {
		return str
	}

	u, err := url.Parse(str)
	if err != nil {
		return "REDACTED"
	}
	return u.Redacted()
}
