package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/audit"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/auth"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models/modelstest"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/staging"
)

const fetcherTestKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// postOffice is a scripted DHPO endpoint. Responses are keyed by operation
// name; operations without a script return an empty success. The first
// downloadFailures download calls answer with downloadFailResult instead of
// the payload.
type postOffice struct {
	listResult         int
	listing            string
	payload            []byte
	acked              []string
	downloadHits       int
	downloadFailures   int
	downloadFailResult int
}

func (p *postOffice) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("SOAPAction") {
		case `"http://www.eClaimLink.ae/GetNewTransactions"`:
			fmt.Fprint(w, envelope("GetNewTransactions",
				fmt.Sprintf("<GetNewTransactionsResult>%d</GetNewTransactionsResult><xmlTransaction>%s</xmlTransaction>",
					p.listResult, p.listing)))
		case `"http://www.eClaimLink.ae/DownloadTransactionFile"`:
			p.downloadHits++
			if p.downloadFailures > 0 {
				p.downloadFailures--
				fmt.Fprint(w, envelope("DownloadTransactionFile",
					fmt.Sprintf("<DownloadTransactionFileResult>%d</DownloadTransactionFileResult>", p.downloadFailResult)))
				return
			}
			fmt.Fprint(w, envelope("DownloadTransactionFile",
				"<DownloadTransactionFileResult>0</DownloadTransactionFileResult><fileName>download.xml</fileName><file>"+
					base64.StdEncoding.EncodeToString(p.payload)+"</file>"))
		case `"http://www.eClaimLink.ae/SetTransactionDownloaded"`:
			p.acked = append(p.acked, "1")
			fmt.Fprint(w, envelope("SetTransactionDownloaded",
				"<SetTransactionDownloadedResult>0</SetTransactionDownloadedResult>"))
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	}
}

func envelope(op, inner string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><%sResponse xmlns="http://www.eClaimLink.ae/">%s</%sResponse></soap:Body></soap:Envelope>`, op, inner, op)
}

func singleFileListing(fileID string) string {
	return fmt.Sprintf(`&lt;Files&gt;&lt;File FileID=&quot;%s&quot; FileName=&quot;sub.xml&quot; SenderID=&quot;INS-001&quot; ReceiverID=&quot;DHA-F-0001&quot; TransactionDate=&quot;15/03/2024 08:30:00&quot; RecordCount=&quot;1&quot; /&gt;&lt;/Files&gt;`, fileID)
}

type fetcherFixture struct {
	coordinator *Coordinator
	repo        *modelstest.FakeRepository
	store       staging.Store
	office      *postOffice
	facility    *models.Facility
}

func newFetcherFixture(t *testing.T, office *postOffice) *fetcherFixture {
	return newFetcherFixtureWithStore(t, office, nil)
}

func newFetcherFixtureWithStore(t *testing.T, office *postOffice, wrap func(staging.Store) staging.Store) *fetcherFixture {
	t.Helper()
	t.Setenv("CLAIMS_AME_KEY", fetcherTestKey)

	server := httptest.NewServer(office.handler())
	t.Cleanup(server.Close)

	credentials, err := auth.NewCredentialStore()
	require.NoError(t, err)
	login, err := credentials.Encrypt([]byte("facility-login"), "DHA-F-0001")
	require.NoError(t, err)
	pwd, err := credentials.Encrypt([]byte("s3cret"), "DHA-F-0001")
	require.NoError(t, err)

	repo := modelstest.NewFakeRepository()
	facility := &models.Facility{
		ID:          3,
		Code:        "DHA-F-0001",
		Endpoint:    server.URL,
		LoginCipher: login,
		PwdCipher:   pwd,
		PollEnabled: true,
	}
	repo.Facilities = append(repo.Facilities, facility)

	var store staging.Store
	local, err := staging.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	store = local
	if wrap != nil {
		store = wrap(store)
	}

	coordinator, err := NewCoordinator(repo, credentials, store, audit.NewRecorder(repo))
	require.NoError(t, err)

	return &fetcherFixture{
		coordinator: coordinator,
		repo:        repo,
		store:       store,
		office:      office,
		facility:    facility,
	}
}

func (f *fetcherFixture) stagedByFileID(t *testing.T, fileID string) *models.StagedFile {
	t.Helper()
	file, err := f.repo.GetStagedFileByFileID(context.Background(), f.facility.ID, fileID)
	require.NoError(t, err)
	return file
}

func TestPollStagesNewFile(t *testing.T) {
	payload := []byte(`<?xml version="1.0"?><Claim.Submission/>`)
	f := newFetcherFixture(t, &postOffice{
		listResult: 0,
		listing:    singleFileListing("1001"),
		payload:    payload,
	})

	require.NoError(t, f.coordinator.Poll(context.Background()))

	file := f.stagedByFileID(t, "1001")
	require.NotNil(t, file)
	assert.Equal(t, constants.StateStaged, file.State)
	assert.Equal(t, staging.Fingerprint(payload), file.Fingerprint)
	assert.NotEmpty(t, file.StorageKey)

	stored, err := f.store.Get(file.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	assert.False(t, f.facility.LastPolledAt.IsZero(), "watermark advances after a fully staged pass")
	assert.Empty(t, f.office.acked, "acknowledgement waits for the pipeline")
}

func TestPollEmptyMailboxAdvancesWatermark(t *testing.T) {
	f := newFetcherFixture(t, &postOffice{listResult: 2})

	require.NoError(t, f.coordinator.Poll(context.Background()))

	assert.Empty(t, f.repo.StagedFiles)
	assert.False(t, f.facility.LastPolledAt.IsZero())
}

func TestPollSkipsTrackedFile(t *testing.T) {
	payload := []byte("tracked")
	f := newFetcherFixture(t, &postOffice{
		listResult: 0,
		listing:    singleFileListing("1001"),
		payload:    payload,
	})

	_, err := f.repo.CreateStagedFile(context.Background(), models.StagedFile{
		FacilityID: f.facility.ID,
		FileID:     "1001",
		State:      constants.StateStaged,
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Poll(context.Background()))

	assert.Zero(t, f.office.downloadHits, "tracked files are not downloaded again")
	assert.Len(t, f.repo.StagedFiles, 1)
}

func TestPollShortCircuitsDuplicatePayload(t *testing.T) {
	payload := []byte(`<?xml version="1.0"?><Claim.Submission/>`)
	f := newFetcherFixture(t, &postOffice{
		listResult: 0,
		listing:    singleFileListing("2002"),
		payload:    payload,
	})

	// The same bytes were already ingested under an earlier file id.
	_, err := f.repo.CreateStagedFile(context.Background(), models.StagedFile{
		FacilityID:  f.facility.ID,
		FileID:      "1001",
		Fingerprint: staging.Fingerprint(payload),
		State:       constants.StateAcknowledged,
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Poll(context.Background()))

	redelivered := f.stagedByFileID(t, "2002")
	require.NotNil(t, redelivered)
	assert.Equal(t, constants.StateAcknowledged, redelivered.State)
	assert.Empty(t, redelivered.StorageKey, "duplicate payloads are never staged")
	assert.Len(t, f.office.acked, 1, "redelivery is acknowledged immediately")

	require.Len(t, f.repo.Outcomes, 1)
	assert.Equal(t, constants.StateAcknowledged, f.repo.Outcomes[0].FinalState)
}

func TestPollInvalidLoginDegradesFacility(t *testing.T) {
	f := newFetcherFixture(t, &postOffice{listResult: -1})

	require.NoError(t, f.coordinator.Poll(context.Background()))

	assert.Empty(t, f.repo.StagedFiles)
	assert.True(t, f.facility.LastPolledAt.IsZero(), "watermark must not advance on a failed pass")
}

func TestPollRetriesTransientDownloadFailure(t *testing.T) {
	t.Setenv("DHPO_DOWNLOAD_RETRIES", "0")

	payload := []byte(`<?xml version="1.0"?><Claim.Submission/>`)
	f := newFetcherFixture(t, &postOffice{
		listing:            singleFileListing("1001"),
		payload:            payload,
		downloadFailures:   1,
		downloadFailResult: -4,
	})

	require.NoError(t, f.coordinator.Poll(context.Background()))

	// The discovery survives the transient fault; nothing is terminal yet.
	file := f.stagedByFileID(t, "1001")
	require.NotNil(t, file)
	assert.Equal(t, constants.StateDiscovered, file.State)
	assert.True(t, f.facility.LastPolledAt.IsZero(), "watermark must not advance past an unstaged file")

	require.NoError(t, f.coordinator.Poll(context.Background()))

	file = f.stagedByFileID(t, "1001")
	require.NotNil(t, file)
	assert.Equal(t, constants.StateStaged, file.State)
	assert.Equal(t, staging.Fingerprint(payload), file.Fingerprint)
	assert.Len(t, f.repo.StagedFiles, 1, "the retry resumes the row instead of creating another")
	assert.Equal(t, 2, f.office.downloadHits)
	assert.False(t, f.facility.LastPolledAt.IsZero())
}

func TestPollPermanentDownloadFailureIsTerminal(t *testing.T) {
	t.Setenv("DHPO_DOWNLOAD_RETRIES", "0")

	f := newFetcherFixture(t, &postOffice{
		listing:            singleFileListing("1001"),
		payload:            []byte("never delivered"),
		downloadFailures:   1,
		downloadFailResult: -2,
	})

	require.NoError(t, f.coordinator.Poll(context.Background()))

	file := f.stagedByFileID(t, "1001")
	require.NotNil(t, file)
	assert.Equal(t, "FAILED(fetch)", file.State)
	require.Len(t, f.repo.Outcomes, 1)

	// The terminal row is not re-fetched on the next pass.
	require.NoError(t, f.coordinator.Poll(context.Background()))
	assert.Equal(t, 1, f.office.downloadHits)
}

type flakyStore struct {
	staging.Store
	putFailures int
}

func (s *flakyStore) Put(key string, payload []byte) error {
	if s.putFailures > 0 {
		s.putFailures--
		return fmt.Errorf("staging volume unavailable")
	}
	return s.Store.Put(key, payload)
}

func TestPollRetriesFailedStagingWrite(t *testing.T) {
	payload := []byte(`<?xml version="1.0"?><Claim.Submission/>`)
	f := newFetcherFixtureWithStore(t,
		&postOffice{listing: singleFileListing("1001"), payload: payload},
		func(s staging.Store) staging.Store { return &flakyStore{Store: s, putFailures: 1} })

	require.NoError(t, f.coordinator.Poll(context.Background()))

	file := f.stagedByFileID(t, "1001")
	require.NotNil(t, file)
	assert.Equal(t, constants.StateDiscovered, file.State, "a staging failure must not lose the discovery")
	assert.True(t, f.facility.LastPolledAt.IsZero())

	require.NoError(t, f.coordinator.Poll(context.Background()))

	file = f.stagedByFileID(t, "1001")
	require.NotNil(t, file)
	assert.Equal(t, constants.StateStaged, file.State)
	stored, err := f.store.Get(file.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
	assert.Len(t, f.repo.StagedFiles, 1)
}

func TestBackfillDisabledByDefault(t *testing.T) {
	f := newFetcherFixture(t, &postOffice{listResult: 0})
	assert.NoError(t, f.coordinator.Backfill(context.Background()))
	assert.Empty(t, f.repo.StagedFiles)
}

func TestBackfillFetchesUndownloadedOnly(t *testing.T) {
	t.Setenv("DHPO_SEARCH_ENABLED", "true")

	payload := []byte("backfill payload")
	office := &postOffice{payload: payload}
	f := newFetcherFixture(t, office)

	listing := `&lt;Files&gt;&lt;File FileID=&quot;900&quot; FileName=&quot;old.xml&quot; IsDownloaded=&quot;true&quot; /&gt;&lt;File FileID=&quot;901&quot; FileName=&quot;new.xml&quot; IsDownloaded=&quot;false&quot; /&gt;&lt;/Files&gt;`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("SOAPAction") {
		case `"http://www.eClaimLink.ae/SearchTransactions"`:
			fmt.Fprint(w, envelope("SearchTransactions",
				"<SearchTransactionsResult>0</SearchTransactionsResult><foundTransactions>"+listing+"</foundTransactions>"))
		default:
			office.handler()(w, r)
		}
	}))
	t.Cleanup(server.Close)
	f.facility.Endpoint = server.URL

	require.NoError(t, f.coordinator.Backfill(context.Background()))

	assert.Nil(t, f.stagedByFileID(t, "900"))
	staged := f.stagedByFileID(t, "901")
	require.NotNil(t, staged)
	assert.Equal(t, constants.StateStaged, staged.State)
}
