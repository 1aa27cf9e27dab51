package logging

import (
	"time"
)

const componentKey = "component"

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Strings(key string, values []string) Field {
	return Field{Key: key, Value: values}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value.UTC().Format(time.RFC3339Nano)}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Component tags every entry of a child logger with the owning component
func Component(name string) Field {
	return String(componentKey, name)
}

func ReplicaID(id string) Field {
	return String("replica_id", id)
}

func Term(term uint64) Field {
	return Uint64("term", term)
}

func Topic(topic string) Field {
	return String("topic", topic)
}

func Job(name string) Field {
	return String("job", name)
}

func LockKeys(keys []string) Field {
	return Strings("lock_keys", keys)
}

func FencingToken(token uint64) Field {
	return Uint64("fencing_token", token)
}

func SessionID(id string) Field {
	return String("session_id", id)
}

func ConnectionID(id string) Field {
	return String("connection_id", id)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}
