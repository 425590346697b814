package workflow

import (
	"context"
	"fmt"
	"time"

	"backend/internal/identity"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AddCommentRequest 新增评论请求
type AddCommentRequest struct {
	WorkflowID  string   `json:"workflowId" binding:"required"`
	StageID     string   `json:"stageId,omitempty"`
	Content     string   `json:"content" binding:"required"`
	Mentions    []string `json:"mentions,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	IsInternal  bool     `json:"isInternal,omitempty"`
	ParentID    *string  `json:"parentId,omitempty"`
}

// AddComment 在工作流上新增评论
// 实例必须开启评论，且作者在当前阶段持有评论权限（或为管理员）。
// 回复必须指向同一工作流的已有评论。提及的每个用户各收到一条
// mentioned 通知与一条提及动作记录。
func (e *Engine) AddComment(ctx context.Context, req *AddCommentRequest, authorID string) (*WorkflowComment, error) {
	inst, err := e.GetInstance(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !inst.Settings.CommentsEnabled {
		return nil, &ValidationError{Reason: "该工作流未开启评论"}
	}

	tpl, err := e.templates.GetTemplate(ctx, inst.TenantID, inst.TemplateID)
	if err != nil {
		return nil, err
	}
	stage := tpl.StageByID(inst.CurrentStageID)
	if stage != nil && !stage.Permissions.CanComment {
		admin, err := e.identity.HasPermission(ctx, authorID, identity.CapManageWorkflow)
		if err != nil {
			return nil, fmt.Errorf("权限检查失败: %w", err)
		}
		if !admin {
			return nil, &PermissionError{UserID: authorID, Capability: "canComment"}
		}
	}

	if req.ParentID != nil {
		var parent WorkflowComment
		err := e.db.WithContext(ctx).
			Where("id = ? AND workflow_id = ?", *req.ParentID, req.WorkflowID).
			First(&parent).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, &NotFoundError{Kind: "comment", ID: *req.ParentID}
			}
			return nil, fmt.Errorf("查询父评论失败: %w", err)
		}
		if parent.ParentID != nil {
			// 只支持一层回复
			return nil, &ValidationError{Reason: "不允许回复一条回复"}
		}
	}

	stageID := req.StageID
	if stageID == "" {
		stageID = inst.CurrentStageID
	}
	now := time.Now().UTC()

	comment := &WorkflowComment{
		ID:          uuid.New().String(),
		TenantID:    inst.TenantID,
		WorkflowID:  req.WorkflowID,
		StageID:     stageID,
		AuthorID:    authorID,
		Content:     req.Content,
		Mentions:    req.Mentions,
		Attachments: req.Attachments,
		IsInternal:  req.IsInternal,
		ParentID:    req.ParentID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	actionRec := &WorkflowAction{
		ID:          uuid.New().String(),
		TenantID:    inst.TenantID,
		WorkflowID:  inst.ID,
		StageID:     stageID,
		Action:      ActionTypeComment,
		PerformedBy: authorID,
		Comment:     truncate(req.Content, 200),
		CreatedAt:   now,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(comment).Error; err != nil {
			return fmt.Errorf("创建评论失败: %w", err)
		}
		if err := tx.Create(actionRec).Error; err != nil {
			return fmt.Errorf("记录评论动作失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendActivity(ctx, inst, authorID, "commented", truncate(req.Content, 200))

	// 提及扇出：每个被提及用户一条 mentioned 通知加一条提及动作
	for _, mentioned := range req.Mentions {
		if mentioned == authorID {
			continue
		}
		mentionRec := &WorkflowAction{
			ID:          uuid.New().String(),
			TenantID:    inst.TenantID,
			WorkflowID:  inst.ID,
			StageID:     stageID,
			Action:      ActionTypeMention,
			PerformedBy: authorID,
			AssignedTo:  mentioned,
			CreatedAt:   now,
		}
		if err := e.db.WithContext(ctx).Create(mentionRec).Error; err != nil {
			e.logger.Warn("记录提及动作失败",
				zap.String("workflow_id", inst.ID),
				zap.String("mentioned", mentioned),
				zap.Error(err))
			continue
		}
		e.notifyUsers(ctx, inst, mentionRec, NotifyMentioned,
			"有人在评论中提及了你",
			fmt.Sprintf("%s 的评论提及了你: %s", inst.Title, truncate(req.Content, 100)),
			[]string{mentioned})
	}

	// 评论通知发给除作者和已提及用户外的实例负责人
	recipients := make([]string, 0, len(inst.AssignedTo))
	mentioned := make(map[string]bool, len(req.Mentions))
	for _, m := range req.Mentions {
		mentioned[m] = true
	}
	for _, a := range inst.AssignedTo {
		if a != authorID && !mentioned[a] {
			recipients = append(recipients, a)
		}
	}
	e.notifyUsers(ctx, inst, actionRec, NotifyCommentAdded,
		"新评论",
		fmt.Sprintf("%s 有新评论", inst.Title),
		recipients)

	return comment, nil
}

// ListComments 按时间顺序返回工作流评论，软删除的条目被过滤
func (e *Engine) ListComments(ctx context.Context, workflowID string, includeInternal bool) ([]*WorkflowComment, error) {
	query := e.db.WithContext(ctx).
		Where("workflow_id = ? AND deleted_at IS NULL", workflowID)
	if !includeInternal {
		query = query.Where("is_internal = ?", false)
	}
	var comments []*WorkflowComment
	if err := query.Order("created_at ASC").Find(&comments).Error; err != nil {
		return nil, fmt.Errorf("查询评论失败: %w", err)
	}
	return comments, nil
}

// EditComment 编辑评论内容，旧内容进入编辑历史
// 仅作者本人可编辑。
func (e *Engine) EditComment(ctx context.Context, commentID, userID, content string) (*WorkflowComment, error) {
	comment, err := e.getComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.AuthorID != userID {
		return nil, &PermissionError{UserID: userID, Capability: "comment_author"}
	}

	now := time.Now().UTC()
	history := append(comment.EditHistory, CommentEdit{Content: comment.Content, EditedAt: now})
	if err := e.db.WithContext(ctx).
		Model(&WorkflowComment{}).
		Where("id = ?", commentID).
		Select("content", "edit_history", "updated_at").
		Updates(&WorkflowComment{
			Content:     content,
			EditHistory: history,
			UpdatedAt:   now,
		}).Error; err != nil {
		return nil, fmt.Errorf("编辑评论失败: %w", err)
	}
	comment.Content = content
	comment.EditHistory = history
	comment.UpdatedAt = now
	return comment, nil
}

// DeleteComment 软删除评论，仅作者或管理员可删除
func (e *Engine) DeleteComment(ctx context.Context, commentID, userID string) error {
	comment, err := e.getComment(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != userID {
		admin, err := e.identity.HasPermission(ctx, userID, identity.CapManageWorkflow)
		if err != nil {
			return fmt.Errorf("权限检查失败: %w", err)
		}
		if !admin {
			return &PermissionError{UserID: userID, Capability: "comment_author"}
		}
	}
	now := time.Now().UTC()
	if err := e.db.WithContext(ctx).
		Model(&WorkflowComment{}).
		Where("id = ?", commentID).
		Updates(map[string]any{"deleted_at": now, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("删除评论失败: %w", err)
	}
	return nil
}

// ResolveComment 标记评论为已解决
func (e *Engine) ResolveComment(ctx context.Context, commentID, userID string) error {
	now := time.Now().UTC()
	res := e.db.WithContext(ctx).
		Model(&WorkflowComment{}).
		Where("id = ? AND deleted_at IS NULL AND is_resolved = ?", commentID, false).
		Updates(map[string]any{
			"is_resolved": true,
			"resolved_by": userID,
			"resolved_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("标记评论失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Kind: "comment", ID: commentID}
	}
	return nil
}

// ToggleReaction 切换用户对评论的表态，已存在则移除
func (e *Engine) ToggleReaction(ctx context.Context, commentID, userID, emoji string) (*WorkflowComment, error) {
	comment, err := e.getComment(ctx, commentID)
	if err != nil {
		return nil, err
	}

	if comment.Reactions == nil {
		comment.Reactions = make(map[string][]string)
	}
	existing := comment.Reactions[userID]
	removed := false
	for i, r := range existing {
		if r == emoji {
			comment.Reactions[userID] = append(existing[:i], existing[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		comment.Reactions[userID] = append(existing, emoji)
	}
	if len(comment.Reactions[userID]) == 0 {
		delete(comment.Reactions, userID)
	}

	comment.UpdatedAt = time.Now().UTC()
	if err := e.db.WithContext(ctx).
		Model(&WorkflowComment{}).
		Where("id = ?", commentID).
		Select("reactions", "updated_at").
		Updates(&WorkflowComment{
			Reactions: comment.Reactions,
			UpdatedAt: comment.UpdatedAt,
		}).Error; err != nil {
		return nil, fmt.Errorf("更新表态失败: %w", err)
	}
	return comment, nil
}

func (e *Engine) getComment(ctx context.Context, commentID string) (*WorkflowComment, error) {
	var comment WorkflowComment
	err := e.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", commentID).
		First(&comment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &NotFoundError{Kind: "comment", ID: commentID}
		}
		return nil, fmt.Errorf("查询评论失败: %w", err)
	}
	return &comment, nil
}
