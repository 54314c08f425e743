// Copyright 2025 James Ross
package queue

import "fmt"

// keyPrefix namespaces every key this module writes.
const keyPrefix = "jono"

// Keys holds the precomputed key set for one topic. All keys for a
// topic share the "{topic}" hash tag so a cluster backend routes them
// to a single shard.
type Keys struct {
	Topic     string
	Postponed string
	Queued    string
	Running   string
	Aborted   string
	Completed string
	Failed    string
}

// NewKeys computes the six state-set keys for a topic.
func NewKeys(topic string) Keys {
	return Keys{
		Topic:     topic,
		Postponed: stateKey(topic, "postponed"),
		Queued:    stateKey(topic, "queued"),
		Running:   stateKey(topic, "running"),
		Aborted:   stateKey(topic, "aborted"),
		Completed: stateKey(topic, "completed"),
		Failed:    stateKey(topic, "failed"),
	}
}

// JobKey returns the metadata hash key for a job id within this topic.
func (k Keys) JobKey(id string) string {
	return fmt.Sprintf("%s:{%s}:job:%s", keyPrefix, k.Topic, id)
}

// StateKey returns the sorted-set key backing a given status, or "" for
// Unknown, the one status with no backing set.
func (k Keys) StateKey(s Status) string {
	switch s {
	case Postponed:
		return k.Postponed
	case Queued:
		return k.Queued
	case Running:
		return k.Running
	case Aborted:
		return k.Aborted
	case Completed:
		return k.Completed
	case Failed:
		return k.Failed
	default:
		return ""
	}
}

// All returns the six state-set keys in probe order used by the
// Inspector (running, queued, postponed, aborted, completed, failed).
func (k Keys) All() []string {
	return []string{k.Running, k.Queued, k.Postponed, k.Aborted, k.Completed, k.Failed}
}

func stateKey(topic, kind string) string {
	return fmt.Sprintf("%s:{%s}:%s", keyPrefix, topic, kind)
}
