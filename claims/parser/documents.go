package parser

import (
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
)

// Raw xml-tagged shapes. Every leaf is a string; convert methods apply the
// strict numeric and date rules and report defects per field.

type xmlHeader struct {
	SenderID        string `xml:"SenderID"`
	ReceiverID      string `xml:"ReceiverID"`
	TransactionDate string `xml:"TransactionDate"`
	RecordCount     string `xml:"RecordCount"`
	DispositionFlag string `xml:"DispositionFlag"`
}

func (h *xmlHeader) convert(fileID string) (*models.FileHeader, error) {
	count, err := parseCount(fileID, "Header/RecordCount", h.RecordCount)
	if err != nil {
		return nil, err
	}
	txDate, err := parseDate(fileID, "Header/TransactionDate", h.TransactionDate)
	if err != nil {
		return nil, err
	}

	return &models.FileHeader{
		SenderID:        h.SenderID,
		ReceiverID:      h.ReceiverID,
		TransactionDate: txDate,
		RecordCount:     count,
		DispositionFlag: h.DispositionFlag,
	}, nil
}

type xmlObservation struct {
	Type      string `xml:"Type"`
	Code      string `xml:"Code"`
	Value     string `xml:"Value"`
	ValueType string `xml:"ValueType"`
}

type xmlActivity struct {
	ID           string           `xml:"ID"`
	Start        string           `xml:"Start"`
	Type         string           `xml:"Type"`
	Code         string           `xml:"Code"`
	Quantity     string           `xml:"Quantity"`
	Net          string           `xml:"Net"`
	Clinician    string           `xml:"Clinician"`
	PriorAuthID  string           `xml:"PriorAuthorizationID"`
	Observations []xmlObservation `xml:"Observation"`
}

type xmlDiagnosis struct {
	Type string `xml:"Type"`
	Code string `xml:"Code"`
}

type xmlEncounter struct {
	FacilityID          string `xml:"FacilityID"`
	Type                string `xml:"Type"`
	PatientID           string `xml:"PatientID"`
	Start               string `xml:"Start"`
	End                 string `xml:"End"`
	StartType           string `xml:"StartType"`
	EndType             string `xml:"EndType"`
	TransferSource      string `xml:"TransferSource"`
	TransferDestination string `xml:"TransferDestination"`
}

type xmlResubmission struct {
	Type    string `xml:"Type"`
	Comment string `xml:"Comment"`
}

type xmlContract struct {
	PackageName string `xml:"PackageName"`
}

type xmlSubmissionClaim struct {
	ID           string           `xml:"ID"`
	IDPayer      string           `xml:"IDPayer"`
	MemberID     string           `xml:"MemberID"`
	PayerID      string           `xml:"PayerID"`
	ProviderID   string           `xml:"ProviderID"`
	EmiratesID   string           `xml:"EmiratesIDNumber"`
	Gross        string           `xml:"Gross"`
	PatientShare string           `xml:"PatientShare"`
	Net          string           `xml:"Net"`
	Encounter    *xmlEncounter    `xml:"Encounter"`
	Diagnoses    []xmlDiagnosis   `xml:"Diagnosis"`
	Activities   []xmlActivity    `xml:"Activity"`
	Resubmission *xmlResubmission `xml:"Resubmission"`
	Contract     *xmlContract     `xml:"Contract"`
}

func (c *xmlSubmissionClaim) convert(fileID string, index int) (*models.SubmissionClaim, error) {
	where := func(field string) string {
		return claimField(index, field)
	}

	gross, err := parseCents(fileID, where("Gross"), c.Gross)
	if err != nil {
		return nil, err
	}
	patientShare, err := parseCents(fileID, where("PatientShare"), c.PatientShare)
	if err != nil {
		return nil, err
	}
	net, err := parseCents(fileID, where("Net"), c.Net)
	if err != nil {
		return nil, err
	}

	claim := &models.SubmissionClaim{
		ID:           c.ID,
		IDPayer:      c.IDPayer,
		MemberID:     c.MemberID,
		PayerID:      c.PayerID,
		ProviderID:   c.ProviderID,
		EmiratesID:   c.EmiratesID,
		Gross:        gross,
		PatientShare: patientShare,
		Net:          net,
	}

	if c.Encounter != nil {
		start, err := parseDateOptional(fileID, where("Encounter/Start"), c.Encounter.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseDateOptional(fileID, where("Encounter/End"), c.Encounter.End)
		if err != nil {
			return nil, err
		}
		claim.Encounter = &models.Encounter{
			FacilityID:          c.Encounter.FacilityID,
			Type:                c.Encounter.Type,
			PatientID:           c.Encounter.PatientID,
			Start:               start,
			End:                 end,
			StartType:           c.Encounter.StartType,
			EndType:             c.Encounter.EndType,
			TransferSource:      c.Encounter.TransferSource,
			TransferDestination: c.Encounter.TransferDestination,
		}
	}

	for _, d := range c.Diagnoses {
		claim.Diagnoses = append(claim.Diagnoses, models.Diagnosis{Type: d.Type, Code: d.Code})
	}

	seen := make(map[string]bool, len(c.Activities))
	for _, a := range c.Activities {
		if seen[a.ID] {
			return nil, malformed(fileID, "%s: duplicate Activity ID %q", where("Activity"), a.ID)
		}
		seen[a.ID] = true

		act, err := a.convert(fileID, where("Activity/"+a.ID))
		if err != nil {
			return nil, err
		}
		claim.Activities = append(claim.Activities, *act)
	}

	if c.Resubmission != nil {
		claim.Resubmission = &models.Resubmission{Type: c.Resubmission.Type, Comment: c.Resubmission.Comment}
	}
	if c.Contract != nil {
		claim.ContractPkg = c.Contract.PackageName
	}

	return claim, nil
}

func (a *xmlActivity) convert(fileID, where string) (*models.Activity, error) {
	start, err := parseDate(fileID, where+"/Start", a.Start)
	if err != nil {
		return nil, err
	}
	// Quantity is carried in hundredths so fractional units survive intact.
	qty, err := parseCents(fileID, where+"/Quantity", a.Quantity)
	if err != nil {
		return nil, err
	}
	net, err := parseCents(fileID, where+"/Net", a.Net)
	if err != nil {
		return nil, err
	}

	act := &models.Activity{
		ID:          a.ID,
		Start:       start,
		Type:        a.Type,
		Code:        a.Code,
		Quantity:    qty,
		Net:         net,
		Clinician:   a.Clinician,
		PriorAuthID: a.PriorAuthID,
	}
	for _, o := range a.Observations {
		act.Observations = append(act.Observations, models.Observation{
			Type:      o.Type,
			Code:      o.Code,
			Value:     o.Value,
			ValueType: o.ValueType,
		})
	}
	return act, nil
}

type xmlRemittanceActivity struct {
	ID           string `xml:"ID"`
	Start        string `xml:"Start"`
	Type         string `xml:"Type"`
	Code         string `xml:"Code"`
	Quantity     string `xml:"Quantity"`
	Net          string `xml:"Net"`
	List         string `xml:"List"`
	Clinician    string `xml:"Clinician"`
	PriorAuthID  string `xml:"PriorAuthorizationID"`
	Gross        string `xml:"Gross"`
	PatientShare string `xml:"PatientShare"`
	Payment      string `xml:"PaymentAmount"`
	DenialCode   string `xml:"DenialCode"`
}

type xmlRemittanceEncounter struct {
	FacilityID string `xml:"FacilityID"`
}

type xmlRemittanceClaim struct {
	ID               string                  `xml:"ID"`
	IDPayer          string                  `xml:"IDPayer"`
	ProviderID       string                  `xml:"ProviderID"`
	DenialCode       string                  `xml:"DenialCode"`
	PaymentReference string                  `xml:"PaymentReference"`
	DateSettlement   string                  `xml:"DateSettlement"`
	Encounter        *xmlRemittanceEncounter `xml:"Encounter"`
	Activities       []xmlRemittanceActivity `xml:"Activity"`
}

func (c *xmlRemittanceClaim) convert(fileID string, index int) (*models.RemittanceClaim, error) {
	where := func(field string) string {
		return claimField(index, field)
	}

	settled, err := parseDateOptional(fileID, where("DateSettlement"), c.DateSettlement)
	if err != nil {
		return nil, err
	}

	claim := &models.RemittanceClaim{
		ID:               c.ID,
		IDPayer:          c.IDPayer,
		ProviderID:       c.ProviderID,
		DenialCode:       c.DenialCode,
		PaymentReference: c.PaymentReference,
		DateSettlement:   settled,
	}
	if c.Encounter != nil {
		claim.FacilityID = c.Encounter.FacilityID
	}

	seen := make(map[string]bool, len(c.Activities))
	for _, a := range c.Activities {
		if seen[a.ID] {
			return nil, malformed(fileID, "%s: duplicate Activity ID %q", where("Activity"), a.ID)
		}
		seen[a.ID] = true

		where := where("Activity/" + a.ID)
		start, err := parseDate(fileID, where+"/Start", a.Start)
		if err != nil {
			return nil, err
		}
		qty, err := parseCents(fileID, where+"/Quantity", a.Quantity)
		if err != nil {
			return nil, err
		}
		net, err := parseCents(fileID, where+"/Net", a.Net)
		if err != nil {
			return nil, err
		}
		payment, err := parseCents(fileID, where+"/PaymentAmount", a.Payment)
		if err != nil {
			return nil, err
		}
		list, err := parseCentsOptional(fileID, where+"/List", a.List)
		if err != nil {
			return nil, err
		}
		gross, err := parseCentsOptional(fileID, where+"/Gross", a.Gross)
		if err != nil {
			return nil, err
		}
		patientShare, err := parseCentsOptional(fileID, where+"/PatientShare", a.PatientShare)
		if err != nil {
			return nil, err
		}

		claim.Activities = append(claim.Activities, models.RemittanceActivity{
			ID:            a.ID,
			Start:         start,
			Type:          a.Type,
			Code:          a.Code,
			Quantity:      qty,
			Net:           net,
			List:          list,
			Clinician:     a.Clinician,
			PriorAuthID:   a.PriorAuthID,
			Gross:         gross,
			PatientShare:  patientShare,
			PaymentAmount: payment,
			DenialCode:    a.DenialCode,
		})
	}

	return claim, nil
}
