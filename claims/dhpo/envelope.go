package dhpo

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"
)

const (
	namespace = "http://www.eClaimLink.ae/"

	actionGetNewTransactions       = namespace + "GetNewTransactions"
	actionSearchTransactions       = namespace + "SearchTransactions"
	actionDownloadTransactionFile  = namespace + "DownloadTransactionFile"
	actionSetTransactionDownloaded = namespace + "SetTransactionDownloaded"

	// Search direction: 1 lists files sent to the facility, 2 files sent by it.
	searchDirectionReceived = 1

	searchDateLayout = "02/01/2006"
)

const envelopeFormat = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>%s</soap:Body></soap:Envelope>`

func getNewTransactionsEnvelope(creds Credentials) string {
	body := fmt.Sprintf(`<GetNewTransactions xmlns="%s"><login>%s</login><pwd>%s</pwd></GetNewTransactions>`,
		namespace, escape(creds.Login), escape(creds.Password))
	return fmt.Sprintf(envelopeFormat, body)
}

func searchTransactionsEnvelope(creds Credentials, from, to time.Time) string {
	body := fmt.Sprintf(`<SearchTransactions xmlns="%s"><login>%s</login><pwd>%s</pwd><direction>%d</direction><callerLicense></callerLicense><ePartner></ePartner><transactionID>0</transactionID><TransactionStatus></TransactionStatus><transactionFileName></transactionFileName><transactionFromDate>%s</transactionFromDate><transactionToDate>%s</transactionToDate><minRecordCount></minRecordCount><maxRecordCount></maxRecordCount></SearchTransactions>`,
		namespace, escape(creds.Login), escape(creds.Password), searchDirectionReceived,
		from.Format(searchDateLayout), to.Format(searchDateLayout))
	return fmt.Sprintf(envelopeFormat, body)
}

func downloadTransactionFileEnvelope(creds Credentials, fileID string) string {
	body := fmt.Sprintf(`<DownloadTransactionFile xmlns="%s"><login>%s</login><pwd>%s</pwd><fileId>%s</fileId></DownloadTransactionFile>`,
		namespace, escape(creds.Login), escape(creds.Password), escape(fileID))
	return fmt.Sprintf(envelopeFormat, body)
}

func setTransactionDownloadedEnvelope(creds Credentials, fileID string) string {
	// The service accepts <fieldId> despite documentation showing <fileId>.
	body := fmt.Sprintf(`<SetTransactionDownloaded xmlns="%s"><login>%s</login><pwd>%s</pwd><fieldId>%s</fieldId></SetTransactionDownloaded>`,
		namespace, escape(creds.Login), escape(creds.Password), escape(fileID))
	return fmt.Sprintf(envelopeFormat, body)
}

func escape(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return ""
	}
	return buf.String()
}
