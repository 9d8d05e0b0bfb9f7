package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// CandidateActiveSessionKey holds the session ID owning a candidate's exam.
func (r *CacheKeyStruct) CandidateActiveSessionKey(candidateID int) string {
	return fmt.Sprintf("candidate:%d:active_session", candidateID)
}

// MonitorChannel returns the Redis PubSub channel carrying live journal entries.
func (r *CacheKeyStruct) MonitorChannel() string {
	return "stage1:monitor"
}

var CacheKey = NewCacheKeyStruct()
