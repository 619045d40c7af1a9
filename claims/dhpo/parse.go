package dhpo

import (
	"encoding/base64"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TransactionFile is one row of a transaction listing. TransactionDate is
// zero when the service omits it or sends an unparseable value; Downloaded is
// populated only by SearchTransactions.
type TransactionFile struct {
	FileID          string
	FileName        string
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	Downloaded      bool
}

var listDateLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
	"02/01/2006",
}

type getNewTransactionsEnvelopeResp struct {
	Result       *int   `xml:"Body>GetNewTransactionsResponse>GetNewTransactionsResult"`
	Transactions string `xml:"Body>GetNewTransactionsResponse>xmlTransaction"`
	ErrorMessage string `xml:"Body>GetNewTransactionsResponse>errorMessage"`
}

type searchTransactionsEnvelopeResp struct {
	Result       *int   `xml:"Body>SearchTransactionsResponse>SearchTransactionsResult"`
	Transactions string `xml:"Body>SearchTransactionsResponse>foundTransactions"`
	ErrorMessage string `xml:"Body>SearchTransactionsResponse>errorMessage"`
}

type downloadFileEnvelopeResp struct {
	Result       *int   `xml:"Body>DownloadTransactionFileResponse>DownloadTransactionFileResult"`
	FileName     string `xml:"Body>DownloadTransactionFileResponse>fileName"`
	File         string `xml:"Body>DownloadTransactionFileResponse>file"`
	ErrorMessage string `xml:"Body>DownloadTransactionFileResponse>errorMessage"`
}

type setDownloadedEnvelopeResp struct {
	Result       *int   `xml:"Body>SetTransactionDownloadedResponse>SetTransactionDownloadedResult"`
	ErrorMessage string `xml:"Body>SetTransactionDownloadedResponse>errorMessage"`
}

// The transaction listing is itself an XML document carried as escaped text
// inside the response element.
type fileList struct {
	XMLName xml.Name  `xml:"Files"`
	Files   []fileRow `xml:"File"`
}

type fileRow struct {
	FileID          string `xml:"FileID,attr"`
	FileName        string `xml:"FileName,attr"`
	SenderID        string `xml:"SenderID,attr"`
	ReceiverID      string `xml:"ReceiverID,attr"`
	TransactionDate string `xml:"TransactionDate,attr"`
	RecordCount     string `xml:"RecordCount,attr"`
	IsDownloaded    string `xml:"IsDownloaded,attr"`
}

func parseFileList(inner string) ([]TransactionFile, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" || !strings.Contains(inner, "<") {
		return nil, nil
	}

	var list fileList
	if err := xml.Unmarshal([]byte(inner), &list); err != nil {
		return nil, errors.Wrap(err, "malformed transaction listing")
	}

	files := make([]TransactionFile, 0, len(list.Files))
	for _, row := range list.Files {
		f := TransactionFile{
			FileID:     row.FileID,
			FileName:   row.FileName,
			SenderID:   row.SenderID,
			ReceiverID: row.ReceiverID,
			Downloaded: strings.EqualFold(row.IsDownloaded, "true") || row.IsDownloaded == "1",
		}
		if n, err := strconv.Atoi(strings.TrimSpace(row.RecordCount)); err == nil {
			f.RecordCount = n
		}
		f.TransactionDate = parseListDate(row.TransactionDate)
		files = append(files, f)
	}
	return files, nil
}

func parseListDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range listDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func decodePayload(b64 string) ([]byte, error) {
	// The service wraps the base64 body; strip all whitespace before decoding.
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, b64)
	if cleaned == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(cleaned)
}
