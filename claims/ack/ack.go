// Package ack tells the post office that verified files are downloaded. The
// acknowledgement is the last step of a file's life and runs on its own
// schedule: a file stays VERIFIED across process restarts until the service
// accepts the acknowledgement.
package ack

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/audit"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/auth"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/dhpo"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/conf"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/log"
)

type config struct {
	BatchSize   int `conf:"ACK_BATCH_SIZE" conf_default:"100"`
	MaxAttempts int `conf:"ACK_MAX_ATTEMPTS" conf_default:"5"`
	WaitSec     int `conf:"ACK_RETRY_WAIT_SEC" conf_default:"2"`
}

type Sender struct {
	repository  models.Repository
	credentials *auth.CredentialStore
	recorder    *audit.Recorder
	logger      logrus.FieldLogger

	batchSize   int
	maxAttempts uint64
	wait        time.Duration

	// dhpo clients keyed by endpoint; facilities often share one.
	clients map[string]*dhpo.Client
}

func NewSender(repository models.Repository, credentials *auth.CredentialStore, recorder *audit.Recorder) (*Sender, error) {
	cfg := config{}
	if err := conf.Checkout(&cfg); err != nil {
		return nil, err
	}

	return &Sender{
		repository:  repository,
		credentials: credentials,
		recorder:    recorder,
		logger:      log.DHPO,
		batchSize:   cfg.BatchSize,
		maxAttempts: uint64(cfg.MaxAttempts),
		wait:        time.Duration(cfg.WaitSec) * time.Second,
		clients:     make(map[string]*dhpo.Client),
	}, nil
}

// Pass acknowledges every VERIFIED file it can. Per-file failures are logged
// and left VERIFIED for the next pass; the error return is reserved for not
// being able to list work at all.
func (s *Sender) Pass(ctx context.Context) error {
	files, err := s.repository.GetStagedFilesByState(ctx, constants.StateVerified, s.batchSize)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	facilities, err := s.repository.GetEnabledFacilities(ctx)
	if err != nil {
		return err
	}
	byID := make(map[uint]*models.Facility, len(facilities))
	for _, f := range facilities {
		byID[f.ID] = f
	}

	for _, file := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.ackOne(ctx, file, byID[file.FacilityID])
	}
	return nil
}

func (s *Sender) ackOne(ctx context.Context, file *models.StagedFile, facility *models.Facility) {
	entry := s.logger.WithFields(logrus.Fields{"file_id": file.FileID, "facility": file.FacilityCode})

	if facility == nil {
		entry.Warn("facility unknown or disabled; leaving file unacknowledged")
		return
	}

	creds, err := s.credentials.Resolve(facility)
	if err != nil {
		entry.WithError(err).Error("cannot resolve facility credentials")
		return
	}

	client, err := s.client(facility.Endpoint)
	if err != nil {
		entry.WithError(err).Error("cannot build dhpo client")
		return
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.wait), s.maxAttempts), ctx)
	err = backoff.Retry(func() error {
		return client.SetTransactionDownloaded(ctx, dhpo.Credentials(creds), file.FileID)
	}, bo)
	if err != nil {
		entry.WithError(err).Warn("acknowledgement failed; will retry next pass")
		if err1 := s.repository.IncrementStagedFileRetry(ctx, file.ID); err1 != nil {
			entry.WithError(err1).Error("failed to record ack retry")
		}
		return
	}

	if err = s.repository.TransitionStagedFile(ctx, file.ID, constants.StateVerified, constants.StateAcknowledged); err != nil {
		entry.WithError(err).Error("failed to mark file acknowledged")
		return
	}

	s.recorder.Success(ctx, file, file.DiscoveredAt)
}

func (s *Sender) client(endpoint string) (*dhpo.Client, error) {
	if c, ok := s.clients[endpoint]; ok {
		return c, nil
	}
	c, err := dhpo.NewClient(endpoint)
	if err != nil {
		return nil, err
	}
	s.clients[endpoint] = c
	return c, nil
}
