// Package settings stores the scanning range the probe reads from its
// environment: interface, network parameters and candidate host numbers.
package settings

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/freeip/internal/errors"
	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/store"
)

// Store keys, shared with the cache in a single namespace.
const (
	KeyIface          = "iface"
	KeyNetmask        = "netmask"
	KeyGateway        = "gateway"
	KeyDNS            = "dns"
	KeyPrefix         = "prefix"
	KeyCandidateStart = "candidate-start"
	KeyCandidateEnd   = "candidate-end"
)

// envPrefix is prepended to the upper-cased key in the probe environment.
const envPrefix = "FREEIP_"

var keys = []string{
	KeyIface, KeyNetmask, KeyGateway, KeyDNS,
	KeyPrefix, KeyCandidateStart, KeyCandidateEnd,
}

var envNames = map[string]string{
	KeyIface:          envPrefix + "IFACE",
	KeyNetmask:        envPrefix + "NETMASK",
	KeyGateway:        envPrefix + "GATEWAY",
	KeyDNS:            envPrefix + "DNS",
	KeyPrefix:         envPrefix + "PREFIX",
	KeyCandidateStart: envPrefix + "CANDIDATE_START",
	KeyCandidateEnd:   envPrefix + "CANDIDATE_END",
}

var threeOctets = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// Settings is the complete scanning range.
type Settings struct {
	Iface          string `json:"iface" yaml:"iface" validate:"omitempty,max=15,printascii,excludes=/"`
	Netmask        string `json:"netmask" yaml:"netmask" validate:"omitempty,ipv4"`
	Gateway        string `json:"gateway" yaml:"gateway" validate:"omitempty,ipv4"`
	DNS            string `json:"dns" yaml:"dns" validate:"omitempty,ipv4"`
	Prefix         string `json:"prefix" yaml:"prefix" validate:"required,prefix"`
	CandidateStart uint8  `json:"candidate_start" yaml:"candidate_start"`
	CandidateEnd   uint8  `json:"candidate_end" yaml:"candidate_end" validate:"gtefield=CandidateStart"`
}

// Default returns the settings used for keys that were never written.
func Default() Settings {
	return Settings{
		Netmask:        "255.255.255.0",
		Prefix:         "192.168.1",
		CandidateStart: 1,
		CandidateEnd:   254,
	}
}

// Keys lists every settings key in display order.
func Keys() []string {
	return slices.Clone(keys)
}

// IsKey reports whether key names a setting.
func IsKey(key string) bool {
	return slices.Contains(keys, key)
}

// Value returns the string form of key.
func (s Settings) Value(key string) (string, error) {
	switch key {
	case KeyIface:
		return s.Iface, nil
	case KeyNetmask:
		return s.Netmask, nil
	case KeyGateway:
		return s.Gateway, nil
	case KeyDNS:
		return s.DNS, nil
	case KeyPrefix:
		return s.Prefix, nil
	case KeyCandidateStart:
		return strconv.Itoa(int(s.CandidateStart)), nil
	case KeyCandidateEnd:
		return strconv.Itoa(int(s.CandidateEnd)), nil
	default:
		return "", errors.ErrConfigInvalid(key, nil)
	}
}

// With returns a copy of s with key set from its string form.
func (s Settings) With(key, value string) (Settings, error) {
	switch key {
	case KeyIface:
		s.Iface = value
	case KeyNetmask:
		s.Netmask = value
	case KeyGateway:
		s.Gateway = value
	case KeyDNS:
		s.DNS = value
	case KeyPrefix:
		s.Prefix = value
	case KeyCandidateStart, KeyCandidateEnd:
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return s, &errors.ConfigError{
				Code:    errors.CodeValidation,
				Message: "Host number must be between 0 and 255",
				Field:   key,
				Value:   value,
				Cause:   err,
			}
		}
		if key == KeyCandidateStart {
			s.CandidateStart = uint8(n)
		} else {
			s.CandidateEnd = uint8(n)
		}
	default:
		return s, errors.ErrConfigInvalid(key, value)
	}
	return s, nil
}

// Env renders s as the probe environment.
func (s Settings) Env() []string {
	env := make([]string, 0, len(keys))
	for _, key := range keys {
		v, _ := s.Value(key)
		env = append(env, envNames[key]+"="+v)
	}
	return env
}

// EnvName returns the environment variable the probe reads key from.
func EnvName(key string) string {
	return envNames[key]
}

// Service reads and writes settings through a store.
type Service struct {
	store    store.Store
	validate *validator.Validate
	logger   *logging.Logger
}

// NewService creates a settings service on st.
func NewService(st store.Store, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:    st,
		validate: newValidator(),
		logger:   logger.WithComponent("settings"),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("prefix", func(fl validator.FieldLevel) bool {
		return isPrefix(fl.Field().String())
	})
	return v
}

func isPrefix(s string) bool {
	if !threeOctets.MatchString(s) {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if n, _ := strconv.Atoi(part); n > 255 {
			return false
		}
	}
	return true
}

// Validate checks s and returns a validation error naming the first
// offending field.
func (svc *Service) Validate(s Settings) error {
	err := svc.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &errors.ConfigError{
			Code:    errors.CodeValidation,
			Message: fmt.Sprintf("Invalid value for %s: failed %q check", fe.Field(), fe.Tag()),
			Field:   fe.Field(),
			Value:   fe.Value(),
			Cause:   err,
		}
	}
	return errors.WrapConfigError(errors.CodeValidation, "Invalid settings", err)
}

// Load reads every key, falling back to the default for missing ones.
func (svc *Service) Load(ctx context.Context) (Settings, error) {
	s := Default()
	for _, key := range keys {
		def, _ := s.Value(key)
		raw, err := store.GetStringOr(ctx, svc.store, key, def)
		if err != nil {
			return Default(), err
		}
		if s, err = s.With(key, raw); err != nil {
			return Default(), err
		}
	}
	return s, nil
}

// Save validates s and writes every key.
func (svc *Service) Save(ctx context.Context, s Settings) error {
	if err := svc.Validate(s); err != nil {
		return err
	}
	for _, key := range keys {
		v, _ := s.Value(key)
		if err := svc.store.Set(ctx, key, v); err != nil {
			return err
		}
	}
	svc.logger.Info("Settings saved", "prefix", s.Prefix,
		"candidate_start", s.CandidateStart, "candidate_end", s.CandidateEnd)
	return nil
}

// Get returns the current value of key.
func (svc *Service) Get(ctx context.Context, key string) (string, error) {
	if !IsKey(key) {
		return "", errors.ErrConfigInvalid(key, nil)
	}
	s, err := svc.Load(ctx)
	if err != nil {
		return "", err
	}
	return s.Value(key)
}

// Set changes one key after validating the resulting settings as a whole.
func (svc *Service) Set(ctx context.Context, key, value string) error {
	s, err := svc.Load(ctx)
	if err != nil {
		return err
	}
	next, err := s.With(key, value)
	if err != nil {
		return err
	}
	if err := svc.Validate(next); err != nil {
		return err
	}
	v, _ := next.Value(key)
	return svc.store.Set(ctx, key, v)
}

// Env returns the probe environment for the stored settings, or for the
// defaults when they cannot be read.
func (svc *Service) Env(ctx context.Context) []string {
	s, err := svc.Load(ctx)
	if err != nil {
		svc.logger.Warn("Using default probe settings", "error", err)
	}
	return s.Env()
}
