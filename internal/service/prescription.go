package service

import (
	"context"
	"strings"

	"apotek/backend/internal/audit"
	"apotek/backend/internal/domain"
	"apotek/backend/internal/xid"
)

func (s *Service) CreatePrescription(ctx context.Context, req domain.PrescriptionCreateRequest) (domain.Prescription, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RolePharmacist); err != nil {
		return domain.Prescription{}, err
	}
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.Prescriber = strings.TrimSpace(req.Prescriber)
	if err := s.validateRequest(req); err != nil {
		return domain.Prescription{}, err
	}

	created, err := s.repo.CreatePrescription(ctx, domain.Prescription{
		ID:          xid.New("rx"),
		PatientName: req.PatientName,
		Prescriber:  req.Prescriber,
		Status:      domain.PrescriptionPending,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.Prescription{}, err
	}
	s.audit.Record(ctx, audit.EntityPrescription, created.ID, audit.ActionCreate, nil, created)
	return *created, nil
}

func (s *Service) GetPrescription(ctx context.Context, prescriptionID string) (domain.Prescription, error) {
	rx, err := s.repo.GetPrescription(ctx, strings.TrimSpace(prescriptionID))
	if err != nil {
		return domain.Prescription{}, err
	}
	return *rx, nil
}

func (s *Service) ApprovePrescription(ctx context.Context, prescriptionID string) (domain.Prescription, error) {
	return s.reviewPrescription(ctx, prescriptionID, domain.PrescriptionApproved)
}

func (s *Service) RejectPrescription(ctx context.Context, prescriptionID string) (domain.Prescription, error) {
	return s.reviewPrescription(ctx, prescriptionID, domain.PrescriptionRejected)
}

func (s *Service) reviewPrescription(ctx context.Context, prescriptionID string, status string) (domain.Prescription, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RolePharmacist)
	if err != nil {
		return domain.Prescription{}, err
	}
	prescriptionID = strings.TrimSpace(prescriptionID)

	before, err := s.repo.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return domain.Prescription{}, err
	}
	reviewed, err := s.repo.ReviewPrescription(ctx, prescriptionID, status, actor.Username)
	if err != nil {
		return domain.Prescription{}, err
	}
	s.audit.Record(ctx, audit.EntityPrescription, prescriptionID, audit.ActionStatusChange, before, reviewed)
	return *reviewed, nil
}
