package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
)

const submissionXML = `<?xml version="1.0" encoding="utf-8"?>
<Claim.Submission>
  <Header>
    <SenderID>DHA-F-0001</SenderID>
    <ReceiverID>INS-001</ReceiverID>
    <TransactionDate>12/03/2024 09:15</TransactionDate>
    <RecordCount>2</RecordCount>
    <DispositionFlag>PRODUCTION</DispositionFlag>
  </Header>
  <Claim>
    <ID>CLAIM-001</ID>
    <IDPayer>PAYER-REF-1</IDPayer>
    <MemberID>MBR-1</MemberID>
    <PayerID>INS-001</PayerID>
    <ProviderID>DHA-F-0001</ProviderID>
    <EmiratesIDNumber>784-1980-1234567-1</EmiratesIDNumber>
    <Gross>150.00</Gross>
    <PatientShare>20.00</PatientShare>
    <Net>130.00</Net>
    <Encounter>
      <FacilityID>DHA-F-0001</FacilityID>
      <Type>1</Type>
      <PatientID>PT-1</PatientID>
      <Start>11/03/2024 10:00</Start>
      <End>11/03/2024 10:30</End>
    </Encounter>
    <Diagnosis>
      <Type>Principal</Type>
      <Code>J06.9</Code>
    </Diagnosis>
    <Activity>
      <ID>ACT-1</ID>
      <Start>11/03/2024 10:00</Start>
      <Type>3</Type>
      <Code>9506</Code>
      <Quantity>1</Quantity>
      <Net>130.00</Net>
      <Clinician>DHA-P-0001</Clinician>
      <Observation>
        <Type>LOINC</Type>
        <Code>8310-5</Code>
        <Value>37.2</Value>
        <ValueType>C</ValueType>
      </Observation>
    </Activity>
  </Claim>
  <Claim>
    <ID>CLAIM-002</ID>
    <IDPayer>PAYER-REF-2</IDPayer>
    <MemberID>MBR-2</MemberID>
    <PayerID>INS-001</PayerID>
    <ProviderID>DHA-F-0001</ProviderID>
    <Gross>75.50</Gross>
    <PatientShare>0</PatientShare>
    <Net>75.50</Net>
    <Activity>
      <ID>ACT-1</ID>
      <Start>11/03/2024 11:00</Start>
      <Type>3</Type>
      <Code>9507</Code>
      <Quantity>2</Quantity>
      <Net>75.50</Net>
      <Clinician>DHA-P-0002</Clinician>
    </Activity>
  </Claim>
</Claim.Submission>`

const remittanceXML = `<?xml version="1.0" encoding="utf-8"?>
<Remittance.Advice>
  <Header>
    <SenderID>INS-001</SenderID>
    <ReceiverID>DHA-F-0001</ReceiverID>
    <TransactionDate>2024-03-20 08:00:00</TransactionDate>
    <RecordCount>1</RecordCount>
    <DispositionFlag>PRODUCTION</DispositionFlag>
  </Header>
  <Claim>
    <ID>CLAIM-001</ID>
    <IDPayer>PAYER-REF-1</IDPayer>
    <ProviderID>DHA-F-0001</ProviderID>
    <PaymentReference>PAY-778</PaymentReference>
    <DateSettlement>19/03/2024</DateSettlement>
    <Encounter>
      <FacilityID>DHA-F-0001</FacilityID>
    </Encounter>
    <Activity>
      <ID>ACT-1</ID>
      <Start>11/03/2024 10:00</Start>
      <Type>3</Type>
      <Code>9506</Code>
      <Quantity>1</Quantity>
      <Net>130.00</Net>
      <List>150.00</List>
      <Clinician>DHA-P-0001</Clinician>
      <Gross>150.00</Gross>
      <PatientShare>20.00</PatientShare>
      <PaymentAmount>110.00</PaymentAmount>
      <DenialCode></DenialCode>
    </Activity>
  </Claim>
</Remittance.Advice>`

func TestParseSubmission(t *testing.T) {
	doc, err := Parse("file-1", strings.NewReader(submissionXML))
	require.NoError(t, err)
	require.NotNil(t, doc.Submission)
	assert.Nil(t, doc.Remittance)

	sub := doc.Submission
	assert.Equal(t, "DHA-F-0001", sub.Header.SenderID)
	assert.Equal(t, 2, sub.Header.RecordCount)
	assert.Equal(t, time.Date(2024, 3, 12, 9, 15, 0, 0, time.UTC), sub.Header.TransactionDate)
	require.Len(t, sub.Claims, 2)

	first := sub.Claims[0]
	assert.Equal(t, "CLAIM-001", first.ID)
	assert.Equal(t, int64(15000), first.Gross)
	assert.Equal(t, int64(2000), first.PatientShare)
	assert.Equal(t, int64(13000), first.Net)
	require.NotNil(t, first.Encounter)
	assert.Equal(t, "DHA-F-0001", first.Encounter.FacilityID)
	require.Len(t, first.Activities, 1)
	assert.Equal(t, int64(100), first.Activities[0].Quantity)
	require.Len(t, first.Activities[0].Observations, 1)
	assert.Equal(t, "8310-5", first.Activities[0].Observations[0].Code)

	second := sub.Claims[1]
	assert.Nil(t, second.Encounter)
	assert.Equal(t, int64(7550), second.Net)
	assert.Equal(t, int64(200), second.Activities[0].Quantity)

	assert.Equal(t, 2, doc.ClaimCount())
	assert.Equal(t, 2, doc.ActivityCount())
	assert.Equal(t, int64(13000+7550), doc.NetTotal())
}

func TestParseRemittance(t *testing.T) {
	doc, err := Parse("file-2", strings.NewReader(remittanceXML))
	require.NoError(t, err)
	require.NotNil(t, doc.Remittance)

	rem := doc.Remittance
	require.Len(t, rem.Claims, 1)
	claim := rem.Claims[0]
	assert.Equal(t, "CLAIM-001", claim.ID)
	assert.Equal(t, "PAY-778", claim.PaymentReference)
	assert.Equal(t, "DHA-F-0001", claim.FacilityID)
	assert.Equal(t, time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC), claim.DateSettlement)
	require.Len(t, claim.Activities, 1)
	assert.Equal(t, int64(11000), claim.Activities[0].PaymentAmount)
	assert.Equal(t, int64(15000), claim.Activities[0].List)

	assert.Equal(t, int64(11000), doc.NetTotal())
}

func TestParseRejectsWholeFile(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(string) string
		msg    string
	}{
		{
			"unknownRoot",
			func(s string) string { return strings.ReplaceAll(s, "Claim.Submission", "Claim.Bundle") },
			"unknown root element",
		},
		{
			"recordCountMismatch",
			func(s string) string { return strings.Replace(s, "<RecordCount>2</RecordCount>", "<RecordCount>3</RecordCount>", 1) },
			"RecordCount",
		},
		{
			"badAmount",
			func(s string) string { return strings.Replace(s, "<Gross>150.00</Gross>", "<Gross>15o.00</Gross>", 1) },
			"not a number",
		},
		{
			"tooManyDecimals",
			func(s string) string { return strings.Replace(s, "<Net>130.00</Net>", "<Net>130.005</Net>", 1) },
			"decimal places",
		},
		{
			"badDate",
			func(s string) string {
				return strings.Replace(s, "<Start>11/03/2024 10:00</Start>", "<Start>sometime</Start>", 1)
			},
			"not a recognized date",
		},
		{
			"truncated",
			func(s string) string { return strings.TrimSuffix(s, "</Claim.Submission>") },
			"xml error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(sub *testing.T) {
			_, err := Parse("file-bad", strings.NewReader(tt.mutate(submissionXML)))
			require.Error(sub, err)
			var malformedErr *claimserrors.MalformedDocumentError
			require.ErrorAs(sub, err, &malformedErr)
			assert.Contains(sub, malformedErr.Msg, tt.msg)
		})
	}
}

func TestParseDuplicateActivityID(t *testing.T) {
	dup := strings.Replace(submissionXML,
		`<Activity>
      <ID>ACT-1</ID>
      <Start>11/03/2024 11:00</Start>`,
		`<Activity>
      <ID>ACT-9</ID>
      <Start>11/03/2024 11:00</Start>
      <Type>3</Type>
      <Code>9507</Code>
      <Quantity>2</Quantity>
      <Net>0</Net>
      <Clinician>DHA-P-0002</Clinician>
    </Activity>
    <Activity>
      <ID>ACT-9</ID>
      <Start>11/03/2024 11:00</Start>`, 1)
	// Body grew by one activity but RecordCount still matches the two claims.
	_, err := Parse("file-dup", strings.NewReader(dup))
	require.Error(t, err)
	var malformedErr *claimserrors.MalformedDocumentError
	require.ErrorAs(t, err, &malformedErr)
	assert.Contains(t, malformedErr.Msg, "duplicate Activity ID")
}

func TestParseMissingHeader(t *testing.T) {
	noHeader := strings.Replace(submissionXML, "<Header>", "<Kopf>", 1)
	noHeader = strings.Replace(noHeader, "</Header>", "</Kopf>", 1)
	_, err := Parse("file-nohdr", strings.NewReader(noHeader))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing Header")
}

func TestParseCents(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"150.00", 15000, false},
		{"150", 15000, false},
		{"0.5", 50, false},
		{".5", 50, false},
		{"-20.25", -2025, false},
		{"75.5", 7550, false},
		{"1.005", 0, true},
		{"", 0, true},
		{"abc", 0, true},
		{".", 0, true},
	}
	for _, tt := range tests {
		got, err := parseCents("f", "Field", tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		assert.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
