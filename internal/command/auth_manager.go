// Package command implements the proxy's built-in command layer: frames
// addressed to the proxy itself (prefix "bs" by default) are answered
// locally instead of being fanned out to targets.
package command

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/botswitch/botswitch/internal/config"
	"github.com/botswitch/botswitch/internal/store"
	"github.com/botswitch/botswitch/internal/util"
)

const tempKeyTTL = 180 * time.Second

type tempKey struct {
	botID     string
	expiresAt time.Time
}

// AuthManager issues short-lived keys and tracks per-bot verification state.
// Keys live in memory; authentication results and bans persist in the store,
// or in memory only when no database is configured.
type AuthManager struct {
	security config.SecurityConfig
	store    *store.Store

	mu      sync.Mutex
	keys    map[string]tempKey
	memAuth map[string]store.AuthStatus
}

func NewAuthManager(security config.SecurityConfig, st *store.Store) *AuthManager {
	if st == nil && security.AuthEnabled {
		log.Warn("[auth] no database configured, auth state will not survive restarts")
	}
	return &AuthManager{
		security: security,
		store:    st,
		keys:     map[string]tempKey{},
		memAuth:  map[string]store.AuthStatus{},
	}
}

func (a *AuthManager) getStatus(botID string) (store.AuthStatus, error) {
	if a.store != nil {
		return a.store.GetAuthStatus(botID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.memAuth[botID]
	if !ok {
		return store.AuthStatus{BotID: botID}, nil
	}
	if s.Banned && s.BannedUntil.Valid && time.Now().After(s.BannedUntil.Time) {
		s.Banned = false
		s.FailedAttempts = 0
		a.memAuth[botID] = s
	}
	return s, nil
}

func (a *AuthManager) setAuthenticated(botID string) error {
	if a.store != nil {
		return a.store.SetAuthenticated(botID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memAuth[botID] = store.AuthStatus{BotID: botID, Authenticated: true}
	return nil
}

func (a *AuthManager) recordFailure(botID string) (store.AuthStatus, error) {
	if a.store != nil {
		return a.store.RecordFailedAttempt(botID, a.security.MaxAttempts, a.security.BanDuration())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.memAuth[botID]
	s.BotID = botID
	s.FailedAttempts++
	if !s.Banned && s.FailedAttempts >= a.security.MaxAttempts {
		s.Banned = true
		s.BannedUntil = nullTime(time.Now().Add(a.security.BanDuration()))
	}
	a.memAuth[botID] = s
	return s, nil
}

// Enabled reports whether key authentication is switched on in config.
func (a *AuthManager) Enabled() bool {
	return a.security.AuthEnabled
}

// GenerateTempKey mints a 20-character key for botID, valid for three
// minutes. The key is logged, not delivered in chat.
func (a *AuthManager) GenerateTempKey(botID string) (string, time.Time) {
	now := time.Now()
	random, err := util.GenerateSecureToken(16)
	if err != nil {
		random = fmt.Sprintf("%d", now.UnixNano())
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", botID, now.Unix(), random)))
	key := strings.ToUpper(hex.EncodeToString(sum[:])[:20])
	expiresAt := now.Add(tempKeyTTL)

	a.mu.Lock()
	a.keys[key] = tempKey{botID: botID, expiresAt: expiresAt}
	a.cleanupLocked(now)
	a.mu.Unlock()

	log.Infof("[auth] generated temp key for bot %s, valid until %s", botID, expiresAt.Format("15:04:05"))
	return key, expiresAt
}

// VerifyKey checks a user-supplied key for botID. On failure the attempt is
// counted and the bot may be banned per the security config.
func (a *AuthManager) VerifyKey(botID, key string) (bool, string) {
	now := time.Now()
	key = strings.ToUpper(strings.TrimSpace(key))

	status, err := a.getStatus(botID)
	if err != nil {
		log.Errorf("[auth] read auth status for %s: %v", botID, err)
		return false, "鉴权状态读取失败"
	}
	if status.Banned {
		remaining := time.Until(status.BannedUntil.Time).Round(time.Minute)
		return false, fmt.Sprintf("验证失败次数过多，已被封禁 %d 分钟", int(remaining.Minutes()))
	}

	a.mu.Lock()
	a.cleanupLocked(now)
	entry, ok := a.keys[key]
	if ok {
		delete(a.keys, key)
	}
	a.mu.Unlock()

	switch {
	case !ok:
		return a.fail(botID, "密钥无效或已过期")
	case entry.botID != botID:
		return a.fail(botID, "密钥不属于当前Bot")
	case now.After(entry.expiresAt):
		return a.fail(botID, "密钥已过期")
	}

	if err := a.setAuthenticated(botID); err != nil {
		log.Errorf("[auth] persist auth success for %s: %v", botID, err)
	}
	log.Infof("[auth] bot %s authenticated", botID)
	return true, "验证成功"
}

// IsAuthenticated reports whether botID has passed key verification. Always
// true when authentication is disabled.
func (a *AuthManager) IsAuthenticated(botID string) bool {
	if !a.security.AuthEnabled {
		return true
	}
	status, err := a.getStatus(botID)
	if err != nil {
		log.Errorf("[auth] read auth status for %s: %v", botID, err)
		return false
	}
	return status.Authenticated && !status.Banned
}

func (a *AuthManager) fail(botID, msg string) (bool, string) {
	status, err := a.recordFailure(botID)
	if err != nil {
		log.Errorf("[auth] record failed attempt for %s: %v", botID, err)
		return false, msg
	}
	if status.Banned {
		log.Warnf("[auth] bot %s banned after %d failed attempts", botID, status.FailedAttempts)
		return false, fmt.Sprintf("%s，验证失败次数过多，已封禁 %d 分钟", msg, a.security.BanDurationMinutes)
	}
	return false, msg
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

func (a *AuthManager) cleanupLocked(now time.Time) {
	for k, v := range a.keys {
		if now.After(v.expiresAt) {
			delete(a.keys, k)
		}
	}
}
