package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/certcentral/certcentral/acme_client"
	"github.com/certcentral/certcentral/certcrypto"
	"github.com/certcentral/certcentral/certstore"
	"github.com/certcentral/certcentral/challenges"
	"github.com/certcentral/certcentral/config"
	"github.com/certcentral/certcentral/internal"
	"github.com/certcentral/certcentral/tracing"
	"github.com/certcentral/certcentral/utils"
	"go.opentelemetry.io/otel/attribute"
)

const (
	authzPollDeadline = 5 * time.Minute
	orderPollDeadline = 5 * time.Minute

	// how soon to retry when the order concurrency cap is full
	orderSlotRetry = 2 * time.Second
)

// bootstrapSelfSigned publishes the placeholder material for a fresh
// record so the distribution API has something to serve from the first
// tick on.
func (s *Scheduler) bootstrapSelfSigned(record *Record) {
	record.mu.Lock()
	spec := record.spec
	record.mu.Unlock()

	key, err := certcrypto.GenerateKey(certcrypto.KeyType(spec.KeyType))
	if err != nil {
		s.failRecord(record, err)
		return
	}
	der, err := certcrypto.SelfSigned(key, spec.Names(), s.clk.Now())
	if err != nil {
		s.failRecord(record, err)
		return
	}
	material, err := certstore.BuildMaterial(certcrypto.KeyPEM(key), certcrypto.CertPEM(der), "", true, spec.Staging)
	if err != nil {
		s.failRecord(record, err)
		return
	}
	if err := s.store.Publish(record.name, material); err != nil {
		s.failRecord(record, err)
		return
	}

	record.mu.Lock()
	record.material = material
	record.mu.Unlock()
	if !s.transition(record, StateSelfSigned) {
		return
	}
	logger.Info().Str("cert", record.name).Msg("self-signed placeholder published")
	s.requeue(record, s.clk.Now())
}

// runOrder drives one full ACME order for a record, from newOrder to
// publish. The order concurrency cap is honored here.
func (s *Scheduler) runOrder(ctx context.Context, record *Record) {
	if !s.orderSem.TryAcquire(1) {
		s.requeue(record, s.clk.Now().Add(orderSlotRetry))
		return
	}
	defer s.orderSem.Release(1)
	internal.Metric_OrdersInFlight.Inc()
	defer internal.Metric_OrdersInFlight.Dec()
	stopwatch := s.metrics.orderTimer.Start()
	defer stopwatch.Stop()

	ctx, span := tracing.CertcentralTracer.Start(ctx, "certificateOrder")
	defer span.End()
	span.SetAttributes(attribute.String("cert", record.name))

	material, err := s.obtain(ctx, record)
	if err != nil {
		s.failRecord(record, err)
		return
	}
	if material == nil {
		// parked in staging, or the record was removed mid-flight
		return
	}
	s.publishIssued(record, material)
}

// obtain runs the protocol part of an order and returns the built
// material, or nil when the material was staged for later promotion.
func (s *Scheduler) obtain(ctx context.Context, record *Record) (*certstore.Material, error) {
	record.mu.Lock()
	spec := record.spec
	record.mu.Unlock()

	if !s.transition(record, StateOrdering) {
		return nil, nil
	}

	client, err := s.accounts.client(ctx, spec.Account)
	if err != nil {
		return nil, err
	}
	certKey, err := certcrypto.GenerateKey(certcrypto.KeyType(spec.KeyType))
	if err != nil {
		return nil, err
	}
	orderID := utils.GenKSortedID("ord_")
	names := spec.Names()

	order, err := client.NewOrder(ctx, names)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("cert", record.name).Str("order", orderID).Str("url", order.Location).Msg("order created")

	if !s.transition(record, StateAuthorizing) {
		return nil, nil
	}
	if err := s.solveAuthorizations(ctx, record.name, spec.Challenge, client, order); err != nil {
		return nil, err
	}

	if !s.transition(record, StateFinalizing) {
		return nil, nil
	}
	csrDER, err := certcrypto.BuildCSR(certKey, spec.CN, names)
	if err != nil {
		return nil, err
	}
	finalized, err := client.FinalizeOrder(ctx, order.Finalize, csrDER)
	if err != nil {
		return nil, err
	}
	if finalized.Status != acme_client.OrderStatusValid {
		finalized, err = client.PollOrder(ctx, order.Location, s.clk.Now().Add(orderPollDeadline))
		if err != nil {
			return nil, err
		}
	}
	if finalized.Status != acme_client.OrderStatusValid {
		return nil, fmt.Errorf("order for %s ended %s: %v", record.name, finalized.Status, finalized.Error)
	}

	if !s.transition(record, StateDownloading) {
		return nil, nil
	}
	bundle, err := client.DownloadCertificate(ctx, finalized)
	if err != nil {
		return nil, err
	}
	material, err := certstore.BuildMaterial(certcrypto.KeyPEM(certKey), bundle, orderID, false, spec.Staging)
	if err != nil {
		return nil, err
	}

	if err := s.checkFreshness(record, material); err != nil {
		return nil, err
	}

	// a staging window parks the material in new/ until the leaf is old
	// enough for the fleet to trust its notBefore
	if hold := s.stagingRemaining(spec, material); hold > 0 {
		if err := s.store.Stage(record.name, material); err != nil {
			return nil, err
		}
		s.clearFailures(record)
		logger.Info().Str("cert", record.name).Dur("hold", hold).Msg("material staged, waiting out staging_time")
		s.requeue(record, s.clk.Now().Add(hold))
		return nil, nil
	}
	return material, nil
}

// solveAuthorizations provisions and completes every authorization of an
// order. Cleanup of presented challenges is best-effort and never gates
// the outcome.
func (s *Scheduler) solveAuthorizations(ctx context.Context, name, challengeType string, client *acme_client.Client, order *acme_client.ExtendedOrder) error {
	solver, err := s.solvers.For(challengeType)
	if err != nil {
		return err
	}

	var presented []challenges.Challenge
	defer func() {
		for _, ch := range presented {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := solver.CleanUp(cleanupCtx, ch); err != nil {
				logger.Warn().Err(err).Str("cert", name).Str("identifier", ch.Identifier).Msg("challenge cleanup failed")
			}
			cancel()
		}
	}()

	for _, authzURL := range order.Authorizations {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return err
		}
		if authz.Status == acme_client.AuthzStatusValid {
			// a previous order already proved this identifier
			continue
		}
		if authz.Status != acme_client.AuthzStatusPending {
			return fmt.Errorf("authorization for %s is %s", authz.Identifier.Value, authz.Status)
		}

		challenge := authz.ChallengeOfType(challengeType)
		if challenge == nil {
			return fmt.Errorf("CA offered no %s challenge for %s: %w", challengeType, authz.Identifier.Value, challenges.ErrNoSolver)
		}
		keyAuth, err := client.KeyAuthorization(challenge.Token)
		if err != nil {
			return err
		}

		identifier := authz.Identifier.Value
		if authz.Wildcard {
			identifier = "*." + identifier
		}
		ch := challenges.Challenge{
			Type:             challengeType,
			Identifier:       identifier,
			Token:            challenge.Token,
			KeyAuthorization: keyAuth,
		}
		if err := solver.Present(ctx, ch); err != nil {
			return err
		}
		presented = append(presented, ch)

		if _, err := client.RespondToChallenge(ctx, challenge.URL); err != nil {
			return err
		}
		final, err := client.PollAuthorization(ctx, authzURL, s.clk.Now().Add(authzPollDeadline))
		if err != nil {
			return err
		}
		if final.Status != acme_client.AuthzStatusValid {
			detail := ""
			if failed := final.FailedChallenge(); failed != nil && failed.Error != nil {
				detail = ": " + failed.Error.Detail
			}
			return fmt.Errorf("authorization for %s ended %s%s", authz.Identifier.Value, final.Status, detail)
		}
	}
	return nil
}

// checkFreshness enforces monotone freshness: a record never replaces
// unexpired material with a certificate that does not outlive it.
func (s *Scheduler) checkFreshness(record *Record, material *certstore.Material) error {
	record.mu.Lock()
	prev := record.material
	record.mu.Unlock()

	if prev == nil || prev.Meta.SelfSigned {
		return nil
	}
	if !prev.Meta.NotAfter.After(s.clk.Now()) {
		return nil
	}
	if !material.Meta.NotAfter.After(prev.Meta.NotAfter) {
		return fmt.Errorf("CA issued a certificate expiring %s, not after the current %s",
			material.Meta.NotAfter.Format(time.RFC3339), prev.Meta.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// stagingRemaining is how long newly issued material must keep parking in
// new/ before going live.
func (s *Scheduler) stagingRemaining(spec *config.CertificateConfig, material *certstore.Material) time.Duration {
	matured := material.Meta.NotBefore.Add(spec.StagingTime.Std())
	return matured.Sub(s.clk.Now())
}

// publishIssued promotes freshly issued material to live and schedules the
// renewal.
func (s *Scheduler) publishIssued(record *Record, material *certstore.Material) {
	if err := s.store.Publish(record.name, material); err != nil {
		s.failRecord(record, err)
		return
	}

	record.mu.Lock()
	record.material = material
	record.mu.Unlock()
	if !s.transition(record, StateLive) {
		return
	}
	s.clearFailures(record)

	renewAt := s.renewalTime(material)
	logger.Info().
		Str("cert", record.name).
		Str("serial", material.Meta.Serial).
		Time("not_after", material.Meta.NotAfter).
		Time("renew_at", renewAt).
		Msg("certificate published")
	s.requeue(record, renewAt)
}

// finishStaged promotes material whose staging window has elapsed.
func (s *Scheduler) finishStaged(record *Record) {
	record.mu.Lock()
	spec := record.spec
	record.mu.Unlock()

	meta, err := s.store.StagedMeta(record.name)
	if err != nil {
		// nothing staged after all; order from scratch
		s.transition(record, StateFailed)
		s.requeue(record, s.clk.Now())
		return
	}
	if hold := meta.NotBefore.Add(spec.StagingTime.Std()).Sub(s.clk.Now()); hold > 0 {
		s.requeue(record, s.clk.Now().Add(hold))
		return
	}

	if err := s.store.Promote(record.name); err != nil {
		s.failRecord(record, err)
		return
	}
	material, err := s.store.Read(record.name)
	if err != nil {
		s.failRecord(record, err)
		return
	}

	record.mu.Lock()
	record.material = material
	record.mu.Unlock()
	if !s.transition(record, StateLive) {
		return
	}
	s.clearFailures(record)
	logger.Info().Str("cert", record.name).Str("serial", material.Meta.Serial).Msg("staged material promoted")
	s.requeue(record, s.renewalTime(material))
}

func (s *Scheduler) clearFailures(record *Record) {
	record.mu.Lock()
	record.failures = 0
	record.lastError = ""
	record.boff.Reset()
	record.mu.Unlock()
}

// failRecord moves a record to FAILED and schedules the retry: the CA's
// Retry-After for rate limits, exponential backoff with jitter otherwise.
// Parameter and configuration errors are fatal for the record until the
// next reload.
func (s *Scheduler) failRecord(record *Record, err error) {
	now := s.clk.Now()

	var delay time.Duration
	fatal := false
	var problem *acme_client.Problem
	switch {
	case errors.As(err, &problem) && problem.IsRateLimited() && problem.RetryAfter > 0:
		delay = jitter(problem.RetryAfter)
	case errors.Is(err, certcrypto.ErrUnknownKeyType), errors.Is(err, certcrypto.ErrNoNames),
		errors.Is(err, challenges.ErrNoSolver), errors.Is(err, challenges.ErrNoProviderForZone):
		fatal = true
	default:
		record.mu.Lock()
		delay = record.boff.NextBackOff()
		record.mu.Unlock()
	}

	record.mu.Lock()
	record.failures++
	record.lastError = err.Error()
	record.fatal = fatal
	if fatal {
		record.nextAttempt = time.Time{}
	} else {
		record.nextAttempt = now.Add(delay)
	}
	failures := record.failures
	record.mu.Unlock()

	s.transition(record, StateFailed)
	event := logger.Warn().Err(err).Str("cert", record.name).Int("failures", failures)
	if fatal {
		event.Msg("record failed, waiting for a configuration change")
		return
	}
	event.Dur("retry_in", delay).Msg("record failed, backing off")
	s.requeue(record, now.Add(delay))
}

// jitter spreads a delay by ±20% so a fleet-wide failure does not retry
// in lockstep.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
