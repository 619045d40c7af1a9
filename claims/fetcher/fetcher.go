// Package fetcher polls the post office for every enabled facility,
// downloads new transaction files and stages them durably. Facilities are
// polled serially; downloads within a facility run concurrently under a
// global cap. The facility watermark only advances after a pass stages
// everything it found, so a crash never skips files.
package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/audit"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/auth"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/dhpo"
	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/staging"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/conf"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/log"
)

type config struct {
	PollIntervalSec int  `conf:"DHPO_POLL_INTERVAL_SEC" conf_default:"1800"`
	DownloadSlots   int  `conf:"DHPO_DOWNLOAD_SLOTS" conf_default:"4"`
	DownloadRetries int  `conf:"DHPO_DOWNLOAD_RETRIES" conf_default:"3"`
	SearchEnabled   bool `conf:"DHPO_SEARCH_ENABLED" conf_default:"false"`
	SearchDaysBack  int  `conf:"DHPO_SEARCH_DAYS_BACK" conf_default:"30"`
}

type Coordinator struct {
	repository  models.Repository
	credentials *auth.CredentialStore
	store       staging.Store
	recorder    *audit.Recorder
	logger      logrus.FieldLogger

	pollInterval   time.Duration
	downloadSlots  chan struct{}
	downloadTries  uint64
	searchEnabled  bool
	searchLookback time.Duration

	mu       sync.Mutex
	inflight map[string]bool
	clients  map[string]*dhpo.Client
}

func NewCoordinator(repository models.Repository, credentials *auth.CredentialStore, store staging.Store, recorder *audit.Recorder) (*Coordinator, error) {
	cfg := config{}
	if err := conf.Checkout(&cfg); err != nil {
		return nil, err
	}

	return &Coordinator{
		repository:     repository,
		credentials:    credentials,
		store:          store,
		recorder:       recorder,
		logger:         log.Fetcher,
		pollInterval:   time.Duration(cfg.PollIntervalSec) * time.Second,
		downloadSlots:  make(chan struct{}, cfg.DownloadSlots),
		downloadTries:  uint64(cfg.DownloadRetries),
		searchEnabled:  cfg.SearchEnabled,
		searchLookback: time.Duration(cfg.SearchDaysBack) * 24 * time.Hour,
		inflight:       make(map[string]bool),
		clients:        make(map[string]*dhpo.Client),
	}, nil
}

// PollInterval is the delay between poll passes.
func (c *Coordinator) PollInterval() time.Duration { return c.pollInterval }

// Poll runs one delta pass over every enabled facility. A facility failing
// never stops the others.
func (c *Coordinator) Poll(ctx context.Context) error {
	facilities, err := c.repository.GetEnabledFacilities(ctx)
	if err != nil {
		return err
	}

	for _, facility := range facilities {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.pollFacility(ctx, facility)
	}
	return nil
}

// Backfill runs one SearchTransactions pass over the lookback window,
// catching files that slipped past delta polling. No-op unless enabled.
func (c *Coordinator) Backfill(ctx context.Context) error {
	if !c.searchEnabled {
		return nil
	}

	facilities, err := c.repository.GetEnabledFacilities(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, facility := range facilities {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.backfillFacility(ctx, facility, now.Add(-c.searchLookback), now)
	}
	return nil
}

func (c *Coordinator) pollFacility(ctx context.Context, facility *models.Facility) {
	entry := c.logger.WithField("facility", facility.Code)
	passStart := time.Now()

	client, creds, ok := c.prepare(entry, facility)
	if !ok {
		return
	}

	files, err := client.GetNewTransactions(ctx, creds)
	if err != nil {
		c.reportListFailure(entry, "GetNewTransactions", err)
		return
	}
	if len(files) == 0 {
		entry.Debug("no new transactions")
		c.advanceWatermark(ctx, entry, facility, passStart)
		return
	}

	entry.Infof("%d new transactions", len(files))
	if c.downloadAll(ctx, facility, client, creds, files) {
		c.advanceWatermark(ctx, entry, facility, passStart)
	}
}

func (c *Coordinator) backfillFacility(ctx context.Context, facility *models.Facility, from, to time.Time) {
	entry := c.logger.WithFields(logrus.Fields{"facility": facility.Code, "pass": "backfill"})

	client, creds, ok := c.prepare(entry, facility)
	if !ok {
		return
	}

	files, err := client.SearchTransactions(ctx, creds, from, to)
	if err != nil {
		c.reportListFailure(entry, "SearchTransactions", err)
		return
	}

	var pending []dhpo.TransactionFile
	for _, f := range files {
		if !f.Downloaded {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return
	}

	entry.Infof("%d undownloaded transactions in window", len(pending))
	c.downloadAll(ctx, facility, client, creds, pending)
}

func (c *Coordinator) prepare(entry logrus.FieldLogger, facility *models.Facility) (*dhpo.Client, dhpo.Credentials, bool) {
	creds, err := c.credentials.Resolve(facility)
	if err != nil {
		// Degraded: the facility stays enabled but does no work until its
		// credentials are fixed.
		entry.WithError(err).Error("facility degraded: credentials unavailable")
		return nil, dhpo.Credentials{}, false
	}

	client, err := c.client(facility.Endpoint)
	if err != nil {
		entry.WithError(err).Error("facility degraded: no usable endpoint")
		return nil, dhpo.Credentials{}, false
	}

	return client, dhpo.Credentials(creds), true
}

func (c *Coordinator) reportListFailure(entry logrus.FieldLogger, op string, err error) {
	if dhpo.IsAuthResult(err) {
		entry.WithError(err).Error("facility degraded: login rejected")
		return
	}
	entry.WithError(err).Warnf("%s failed; facility will be retried next pass", op)
}

// downloadAll stages every listed file, bounded by the global download slots.
// It reports whether the whole batch is safely staged (or known-duplicate),
// which is the condition for advancing the watermark.
func (c *Coordinator) downloadAll(ctx context.Context, facility *models.Facility, client *dhpo.Client, creds dhpo.Credentials, files []dhpo.TransactionFile) bool {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		complete = true
	)

	for _, f := range files {
		if !c.markInflight(facility.Code, f.FileID) {
			continue
		}

		wg.Add(1)
		go func(f dhpo.TransactionFile) {
			defer wg.Done()
			defer c.unmarkInflight(facility.Code, f.FileID)

			c.downloadSlots <- struct{}{}
			defer func() { <-c.downloadSlots }()

			if err := c.fetchOne(ctx, facility, client, creds, f); err != nil {
				mu.Lock()
				complete = false
				mu.Unlock()
			}
		}(f)
	}

	wg.Wait()
	return complete
}

func (c *Coordinator) fetchOne(ctx context.Context, facility *models.Facility, client *dhpo.Client, creds dhpo.Credentials, tf dhpo.TransactionFile) error {
	entry := c.logger.WithFields(logrus.Fields{"facility": facility.Code, "file_id": tf.FileID})

	existing, err := c.repository.GetStagedFileByFileID(ctx, facility.ID, tf.FileID)
	if err != nil {
		entry.WithError(err).Error("cannot check for existing file")
		return err
	}

	var (
		id           uint
		discoveredAt time.Time
	)
	switch {
	case existing == nil:
		discoveredAt = time.Now().UTC()
		id, err = c.repository.CreateStagedFile(ctx, models.StagedFile{
			FacilityID:   facility.ID,
			FacilityCode: facility.Code,
			FileID:       tf.FileID,
			FileName:     tf.FileName,
			DiscoveredAt: discoveredAt,
			State:        constants.StateDiscovered,
		})
		if err != nil {
			entry.WithError(err).Error("cannot record discovered file")
			return err
		}
	case existing.State == constants.StateDiscovered:
		// A previous pass discovered the file but could not stage it.
		// Resume rather than skip; the post office keeps relisting it
		// until we acknowledge.
		entry.Debug("resuming discovered file")
		id = existing.ID
		discoveredAt = existing.DiscoveredAt
	default:
		entry.Debug("file already tracked")
		return nil
	}

	file := &models.StagedFile{
		ID:           id,
		FacilityID:   facility.ID,
		FacilityCode: facility.Code,
		FileID:       tf.FileID,
		FileName:     tf.FileName,
		DiscoveredAt: discoveredAt,
		State:        constants.StateDiscovered,
	}

	var (
		name    string
		payload []byte
	)
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.downloadTries), ctx)
	err = backoff.Retry(func() error {
		var err error
		name, payload, err = client.DownloadTransactionFile(ctx, creds, tf.FileID)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err != nil {
		if isRetryable(err) {
			// Leave the row DISCOVERED so the next pass retries; a
			// transient fault must not lose the discovery.
			entry.WithError(err).Warn("download failed; will retry next pass")
			return err
		}
		entry.WithError(err).Error("download failed")
		c.failFile(ctx, file, constants.StageFetch, err, discoveredAt)
		return err
	}
	if name != "" {
		file.FileName = name
	}

	fingerprint := staging.Fingerprint(payload)
	duplicate, err := c.repository.GetStagedFileByFingerprint(ctx, facility.ID, fingerprint)
	if err != nil {
		entry.WithError(err).Error("cannot check fingerprint; will retry next pass")
		return err
	}
	if duplicate != nil {
		// Same bytes under a new file id: acknowledge the redelivery so the
		// post office stops listing it, but never re-process the content.
		entry.WithField("duplicate_of", duplicate.FileID).Info("duplicate payload; acknowledging without re-processing")
		if err = c.repository.TransitionStagedFile(ctx, id, constants.StateDiscovered, constants.StateAcknowledged); err != nil {
			entry.WithError(err).Error("cannot short-circuit duplicate")
			return err
		}
		if err = client.SetTransactionDownloaded(ctx, creds, tf.FileID); err != nil {
			entry.WithError(err).Warn("duplicate acknowledgement failed; post office will relist")
		}
		c.recorder.Success(ctx, file, discoveredAt)
		return nil
	}

	key := staging.Key(facility.Code, tf.FileID, discoveredAt)
	if err = c.store.Put(key, payload); err != nil {
		entry.WithError(err).Error("staging write failed; will retry next pass")
		return err
	}

	if err = c.repository.MarkStagedFileStaged(ctx, id, fingerprint, key); err != nil {
		entry.WithError(err).Error("cannot mark file staged")
		return err
	}

	entry.WithFields(logrus.Fields{"bytes": len(payload), "fingerprint": fingerprint[:12]}).Info("file staged")
	return nil
}

func (c *Coordinator) advanceWatermark(ctx context.Context, entry logrus.FieldLogger, facility *models.Facility, passStart time.Time) {
	if err := c.repository.UpdateFacilityWatermark(ctx, facility.ID, passStart); err != nil {
		entry.WithError(err).Warn("cannot advance poll watermark")
	}
}

func (c *Coordinator) failFile(ctx context.Context, file *models.StagedFile, stage string, cause error, started time.Time) {
	if err := c.repository.FailStagedFile(ctx, file.ID, constants.StateDiscovered, stage); err != nil {
		c.logger.WithError(err).WithField("file_id", file.FileID).Error("cannot mark file failed")
	}
	c.recorder.Failure(ctx, file, stage, cause, started)
}

func isRetryable(err error) bool {
	var transient *claimserrors.TransientNetworkError
	return errors.As(err, &transient)
}

func (c *Coordinator) markInflight(facilityCode, fileID string) bool {
	key := facilityCode + "|" + fileID
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] {
		return false
	}
	c.inflight[key] = true
	return true
}

func (c *Coordinator) unmarkInflight(facilityCode, fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, facilityCode+"|"+fileID)
}

func (c *Coordinator) client(endpoint string) (*dhpo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[endpoint]; ok {
		return client, nil
	}
	client, err := dhpo.NewClient(endpoint)
	if err != nil {
		return nil, err
	}
	c.clients[endpoint] = client
	return client, nil
}
