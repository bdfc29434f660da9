// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

type CampaignService struct {
	CampaignRepo repository.CampaignStore
	Logger       *zap.Logger
}

type CreateCampaignInput struct {
	Name       string            `json:"name"`
	Channel    model.ChannelType `json:"channel"`
	Content    string            `json:"content"`
	Recipients []model.Recipient `json:"recipients"`
}

// Pagination mirrors the list response envelope.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.NewValidation("name is required")
	}
	if !in.Channel.Valid() {
		return nil, appErrors.NewValidation(fmt.Sprintf("channel must be one of call, sms, whatsapp (got %q)", in.Channel))
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, appErrors.NewValidation("content is required")
	}

	c := &model.Campaign{
		Name:       in.Name,
		Channel:    in.Channel,
		Status:     model.StatusDraft,
		Content:    in.Content,
		Recipients: in.Recipients,
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, storeError("", err)
	}
	if s.Logger != nil {
		s.Logger.Info("campaign created",
			zap.String("campaign_id", c.ID),
			zap.String("channel", string(c.Channel)),
			zap.Int("recipients", len(c.Recipients)))
	}
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, channel, status string) ([]model.Campaign, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.List(ctx, offset, pageSize, channel, status)
	if err != nil {
		return nil, Pagination{}, storeError("", err)
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	return campaigns, Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(id, err)
	}
	return c, nil
}

// ReplaceRecipients swaps the recipient list of a draft campaign.
func (s *CampaignService) ReplaceRecipients(ctx context.Context, id string, recipients []model.Recipient) error {
	if err := s.CampaignRepo.UpdateRecipients(ctx, id, recipients); err != nil {
		return storeError(id, err)
	}
	return nil
}

// RenderPreview shows the content a single recipient would receive.
func (s *CampaignService) RenderPreview(ctx context.Context, id string, recipient model.Recipient) (string, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return "", err
	}
	return RenderContent(c.Content, recipient), nil
}
