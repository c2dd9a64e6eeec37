package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	sipPort       int
	sipPortRange  int
	publicAddress string
	referTimeout  int

	httpListen   string
	callbackBase string

	storeBackend  string
	redisAddress  string
	redisPassword string
	redisDB       int

	continuationTTL   int
	notifyTimeout     int
	notifyConcurrency int
	beepDelay         int
}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("sip")
	s.sipPort = sec.Key("port").MustInt(5060)
	s.sipPortRange = sec.Key("port_range").MustInt(0)
	s.publicAddress = sec.Key("public_address").String()
	s.referTimeout = sec.Key("refer_timeout").MustInt(10)

	sec = cfg.Section("http")
	s.httpListen = sec.Key("listen").MustString(":3000")
	s.callbackBase = sec.Key("callback_base").String()

	sec = cfg.Section("store")
	s.storeBackend = sec.Key("backend").In("redis", []string{"redis", "memory"})
	s.redisAddress = sec.Key("redis_address").MustString("127.0.0.1:6379")
	s.redisPassword = sec.Key("redis_password").String()
	s.redisDB = sec.Key("redis_db").MustInt(0)

	sec = cfg.Section("conference")
	s.continuationTTL = sec.Key("continuation_ttl").MustInt(30)
	s.notifyTimeout = sec.Key("notify_timeout").MustInt(2)
	s.notifyConcurrency = sec.Key("notify_concurrency").MustInt(16)
	s.beepDelay = sec.Key("beep_delay_ms").MustInt(1000)

	if s.publicAddress == "" {
		ip, err := detectHostIP()
		if err != nil {
			return nil, fmt.Errorf("sip.public_address not set: %w", err)
		}
		s.publicAddress = ip
	}
	if s.callbackBase == "" {
		_, port, err := net.SplitHostPort(s.httpListen)
		if err != nil {
			return nil, fmt.Errorf("http.listen %q: %w", s.httpListen, err)
		}
		s.callbackBase = "http://" + net.JoinHostPort(s.publicAddress, port)
	}
	if s.continuationTTL <= 0 {
		return nil, fmt.Errorf("conference.continuation_ttl must be positive")
	}

	return s, nil
}

func (s *Settings) SIPPort() int          { return s.sipPort }
func (s *Settings) SIPPortRange() int     { return s.sipPortRange }
func (s *Settings) PublicAddress() string { return s.publicAddress }

// LocalSIPAddress is the host:port other servers use to reach this one. It
// identifies this server as a conference owner.
func (s *Settings) LocalSIPAddress() string {
	return net.JoinHostPort(s.publicAddress, strconv.Itoa(s.sipPort))
}

func (s *Settings) ReferTimeout() time.Duration {
	return time.Duration(s.referTimeout) * time.Second
}

func (s *Settings) HTTPListen() string   { return s.httpListen }
func (s *Settings) CallbackBase() string { return s.callbackBase }

func (s *Settings) StoreBackend() string  { return s.storeBackend }
func (s *Settings) RedisAddress() string  { return s.redisAddress }
func (s *Settings) RedisPassword() string { return s.redisPassword }
func (s *Settings) RedisDB() int          { return s.redisDB }

func (s *Settings) ContinuationTTL() time.Duration {
	return time.Duration(s.continuationTTL) * time.Second
}

func (s *Settings) NotifyTimeout() time.Duration {
	return time.Duration(s.notifyTimeout) * time.Second
}

func (s *Settings) NotifyConcurrency() int { return s.notifyConcurrency }

func (s *Settings) BeepDelay() time.Duration {
	return time.Duration(s.beepDelay) * time.Millisecond
}
