// Package seed bootstraps triggers and webhook actions from a YAML file.
//
// A seed file looks like:
//
//	triggers:
//	  - tenant_id: 8f7c...
//	    name: critical skill gaps
//	    source_module: skills
//	    event_type: skill_gap_detected
//	    conditions: {priority: critical}
//	    target_module: lxp
//	    action: create_learning_path
//	    priority: 5
//	webhooks:
//	  - target_module: lxp
//	    action: create_learning_path
//	    url: https://lxp.internal/actions
//	    secret: ${LXP_WEBHOOK_SECRET}
//
// Applying a file is idempotent: triggers are matched by (tenant, name) and
// existing ones are left untouched.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Annas82200/mizan-triggers/internal/dispatcher"
	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/registry"
)

type File struct {
	Triggers []Trigger `yaml:"triggers"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Trigger struct {
	TenantID     string         `yaml:"tenant_id"`
	Name         string         `yaml:"name"`
	TriggerType  string         `yaml:"trigger_type"`
	SourceModule string         `yaml:"source_module"`
	EventType    string         `yaml:"event_type"`
	Conditions   any            `yaml:"conditions"`
	TargetModule string         `yaml:"target_module"`
	Action       string         `yaml:"action"`
	ActionConfig map[string]any `yaml:"action_config"`
	Priority     int            `yaml:"priority"`
	IsActive     *bool          `yaml:"is_active"`
	Schedule     *Schedule      `yaml:"schedule"`
}

type Schedule struct {
	CronExpression string `yaml:"cron_expression"`
	Timezone       string `yaml:"timezone"`
}

// Webhook registers an action served over HTTP. URL and secret are
// expanded against the environment.
type Webhook struct {
	TargetModule string `yaml:"target_module"`
	Action       string `yaml:"action"`
	URL          string `yaml:"url"`
	Secret       string `yaml:"secret"`
}

// Parse decodes and validates a seed document. Unknown keys are rejected.
func Parse(data []byte) (File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return File{}, fmt.Errorf("seed: document is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("seed: decode: %w", err)
	}
	for i := range f.Webhooks {
		f.Webhooks[i].URL = os.ExpandEnv(f.Webhooks[i].URL)
		f.Webhooks[i].Secret = os.ExpandEnv(f.Webhooks[i].Secret)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// LoadFile reads and parses the seed file at path.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Validate checks what the registry cannot: tenant ids, webhook targets and
// that no (tenant, name) appears twice.
func (f File) Validate() error {
	var errs []error
	seen := make(map[string]int)

	for i, t := range f.Triggers {
		at := fmt.Sprintf("triggers[%d]", i)
		if _, err := uuid.Parse(t.TenantID); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid tenant_id %q", at, t.TenantID))
		}
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", at))
			continue
		}
		key := t.TenantID + "/" + t.Name
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s: duplicates triggers[%d] (%s)", at, prev, t.Name))
		}
		seen[key] = i
	}

	for i, w := range f.Webhooks {
		at := fmt.Sprintf("webhooks[%d]", i)
		if w.TargetModule == "" || w.Action == "" {
			errs = append(errs, fmt.Errorf("%s: target_module and action are required", at))
		}
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: url must be an absolute http(s) url", at))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("seed: %w", errors.Join(errs...))
	}
	return nil
}

type Registry interface {
	GetByName(ctx context.Context, tenantID uuid.UUID, name string) (domain.Trigger, error)
	Create(ctx context.Context, in registry.CreateInput) (domain.Trigger, error)
}

type ActionRegistrar interface {
	Register(targetModule, action string, h dispatcher.Handler)
}

// Result counts what Apply did.
type Result struct {
	Created  int
	Existing int
	Webhooks int
}

type Seeder struct {
	registry Registry
	actions  ActionRegistrar // optional, required for webhooks
	client   *http.Client
	metrics  dispatcher.WebhookMetrics // optional
	logger   logrus.FieldLogger
}

func New(reg Registry, actions ActionRegistrar, logger logrus.FieldLogger) *Seeder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Seeder{
		registry: reg,
		actions:  actions,
		logger:   logger.WithField("component", "seed"),
	}
}

// WithHTTPClient sets the client used by seeded webhook handlers.
func (s *Seeder) WithHTTPClient(c *http.Client) *Seeder {
	s.client = c
	return s
}

func (s *Seeder) WithWebhookMetrics(m dispatcher.WebhookMetrics) *Seeder {
	s.metrics = m
	return s
}

// Apply registers webhooks first so seeded triggers never fire into a
// missing action, then creates triggers that do not exist yet. It stops at
// the first trigger the registry rejects.
func (s *Seeder) Apply(ctx context.Context, f File) (Result, error) {
	var res Result

	if len(f.Webhooks) > 0 && s.actions == nil {
		return res, fmt.Errorf("seed: webhooks given but no action registrar")
	}
	for _, w := range f.Webhooks {
		h := dispatcher.NewWebhookHandler(w.URL, w.Secret, s.client)
		if s.metrics != nil {
			h = h.WithMetrics(s.metrics)
		}
		s.actions.Register(w.TargetModule, w.Action, h)
		res.Webhooks++
	}

	for i, t := range f.Triggers {
		created, err := s.applyTrigger(ctx, t)
		if err != nil {
			return res, fmt.Errorf("seed: triggers[%d] %q: %w", i, t.Name, err)
		}
		if created {
			res.Created++
		} else {
			res.Existing++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"created":  res.Created,
		"existing": res.Existing,
		"webhooks": res.Webhooks,
	}).Info("seed applied")
	return res, nil
}

func (s *Seeder) applyTrigger(ctx context.Context, t Trigger) (bool, error) {
	tenantID, err := uuid.Parse(t.TenantID)
	if err != nil {
		return false, fmt.Errorf("invalid tenant_id: %w", err)
	}

	_, err = s.registry.GetByName(ctx, tenantID, t.Name)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, registry.ErrTriggerNotFound):
		return false, err
	}

	in, err := t.createInput(tenantID)
	if err != nil {
		return false, err
	}
	_, err = s.registry.Create(ctx, in)
	if errors.Is(err, registry.ErrDuplicateTrigger) {
		// Created concurrently by another instance.
		return false, nil
	}
	return err == nil, err
}

func (t Trigger) createInput(tenantID uuid.UUID) (registry.CreateInput, error) {
	in := registry.CreateInput{
		TenantID:     tenantID,
		Name:         t.Name,
		Type:         domain.TriggerType(t.TriggerType),
		SourceModule: t.SourceModule,
		EventType:    t.EventType,
		TargetModule: t.TargetModule,
		Action:       t.Action,
		ActionConfig: t.ActionConfig,
		Priority:     t.Priority,
		IsActive:     t.IsActive,
	}
	if t.Conditions != nil {
		raw, err := json.Marshal(t.Conditions)
		if err != nil {
			return registry.CreateInput{}, fmt.Errorf("encode conditions: %w", err)
		}
		in.Conditions = raw
	}
	if t.Schedule != nil {
		tz := t.Schedule.Timezone
		if tz == "" {
			tz = "UTC"
		}
		in.Schedule = &domain.Schedule{CronExpression: t.Schedule.CronExpression, Timezone: tz}
	}
	return in, nil
}
