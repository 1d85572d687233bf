// Package knowledge 维护单个章节的叙事日志与事实集合
//
// Store 是章节唯一的共享可变状态：日志只追加（显式截断除外），事实只插入或被取代。
// 每次结构性写入先交给仓储落库，成功后才替换内存状态并递增版本号，
// 因此读者通过 Snapshot 看到的永远是完整应用后的状态。
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
	apperrors "z-novel-narrator/pkg/errors"
	"z-novel-narrator/pkg/metrics"
)

// ContradictionPolicy 新陈述与有效事实冲突且未显式声明取代时的处理策略
type ContradictionPolicy string

const (
	// PolicyLatestWins 新陈述取代旧事实，优先保证叙事推进
	PolicyLatestWins ContradictionPolicy = "latest_wins"
	// PolicyKeepExisting 保留旧事实，新陈述仅记录为 reject 操作
	PolicyKeepExisting ContradictionPolicy = "keep_existing"
)

// ParsePolicy 解析策略名，空字符串返回默认策略
func ParsePolicy(s string) (ContradictionPolicy, error) {
	switch ContradictionPolicy(strings.TrimSpace(s)) {
	case "", PolicyLatestWins:
		return PolicyLatestWins, nil
	case PolicyKeepExisting:
		return PolicyKeepExisting, nil
	default:
		return "", fmt.Errorf("unknown contradiction policy %q", s)
	}
}

// Proposal 提取器给出的一条事实陈述
type Proposal struct {
	Subject        string
	Slot           string
	Statement      string
	SourceSequence int
	// Supersedes 模型显式声明此陈述取代旧事实
	Supersedes bool
}

// UpdateRequest 针对日志区间 [From, To] 的事实更新
type UpdateRequest struct {
	BeatIndex int
	From      int
	To        int
	Proposals []Proposal
	Summary   string
	Location  string
}

// TruncateResult 截断结果
type TruncateResult struct {
	FromSequence    int `json:"from_sequence"`
	RemovedItems    int `json:"removed_items"`
	RevertedUpdates int `json:"reverted_updates"`
	RemovedMarks    int `json:"removed_marks"`
}

// Option Store 配置项
type Option func(*Store)

// WithPolicy 设置冲突策略
func WithPolicy(p ContradictionPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithRepository 设置持久化仓储，nil 表示纯内存
func WithRepository(repo repository.KnowledgeRepository) Option {
	return func(s *Store) { s.repo = repo }
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store 单章节知识库
type Store struct {
	chapterID string
	policy    ContradictionPolicy
	repo      repository.KnowledgeRepository
	now       func() time.Time

	// writing 结构性写入进行中
	writing atomic.Bool

	mu      sync.RWMutex
	version int64
	items   []*entity.LogItem
	facts   *factSet
	updates []*entity.FactUpdate
	marks   []*entity.BeatMark
	calls   []*entity.CallRecord
}

// NewStore 创建空知识库
func NewStore(chapterID string, opts ...Option) *Store {
	s := &Store{
		chapterID: chapterID,
		policy:    PolicyLatestWins,
		now:       time.Now,
		facts:     newFactSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore 从持久化状态重建知识库，状态不自洽时返回错误
func Restore(chapterID string, state *repository.KnowledgeState, opts ...Option) (*Store, error) {
	s := NewStore(chapterID, opts...)
	if state == nil {
		return s, nil
	}

	items := append([]*entity.LogItem(nil), state.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	for i, it := range items {
		if it.Sequence != i+1 {
			return nil, fmt.Errorf("chapter %s: log sequence gap at %d (found %d)", chapterID, i+1, it.Sequence)
		}
	}

	marks := append([]*entity.BeatMark(nil), state.Marks...)
	sort.Slice(marks, func(i, j int) bool { return marks[i].BeatIndex < marks[j].BeatIndex })
	for i, m := range marks {
		if m.BeatIndex != i {
			return nil, fmt.Errorf("chapter %s: beat mark gap at %d", chapterID, i)
		}
	}

	facts := append([]*entity.Fact(nil), state.Facts...)
	sort.SliceStable(facts, func(i, j int) bool { return facts[i].CreatedAt.Before(facts[j].CreatedAt) })
	fs := newFactSet()
	for _, f := range facts {
		if f.IsActive() {
			if other, dup := fs.active[f.Key()]; dup {
				return nil, fmt.Errorf("chapter %s: facts %s and %s both active for %s/%s", chapterID, other, f.ID, f.Subject, f.Slot)
			}
		}
		fs.add(f)
	}
	fs.touched = make(map[string]struct{})

	updates := append([]*entity.FactUpdate(nil), state.Updates...)
	sort.Slice(updates, func(i, j int) bool { return updates[i].From < updates[j].From })

	calls := append([]*entity.CallRecord(nil), state.Calls...)
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].StartedAt.Before(calls[j].StartedAt) })

	s.items = items
	s.marks = marks
	s.facts = fs
	s.updates = updates
	s.calls = calls
	return s, nil
}

// ChapterID 返回章节 ID
func (s *Store) ChapterID() string {
	return s.chapterID
}

// Policy 返回冲突策略
func (s *Store) Policy() ContradictionPolicy {
	return s.policy
}

func (s *Store) beginWrite(op string) error {
	if !s.writing.CompareAndSwap(false, true) {
		return apperrors.ErrOutOfOrder.WithDetail(fmt.Sprintf("%s on chapter %s while another write is in flight", op, s.chapterID))
	}
	return nil
}

func (s *Store) endWrite() {
	s.writing.Store(false)
}

func (s *Store) commit(ctx context.Context, m *repository.KnowledgeMutation) error {
	if s.repo == nil || m.Empty() {
		return nil
	}
	if err := s.repo.Commit(ctx, m); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "knowledge commit failed")
	}
	return nil
}

// AppendLog 为条目分配连续序号并追加到日志末尾
// 同一章节已有写入进行中时返回 OutOfOrder
func (s *Store) AppendLog(ctx context.Context, beatIndex int, items []entity.LogItem) ([]entity.LogItem, error) {
	if len(items) == 0 {
		return nil, apperrors.ErrInvalidParam.WithDetail("append requires at least one item")
	}
	if err := s.beginWrite("append"); err != nil {
		return nil, err
	}
	defer s.endWrite()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := len(s.items) + 1
	appended := make([]*entity.LogItem, len(items))
	for i, it := range items {
		v := it
		v.ChapterID = s.chapterID
		v.Sequence = next + i
		v.BeatIndex = beatIndex
		v.CreatedAt = now
		appended[i] = &v
	}

	m := repository.NewKnowledgeMutation(s.chapterID)
	m.AppendItems = appended
	if err := s.commit(ctx, m); err != nil {
		return nil, err
	}

	s.items = append(s.items, appended...)
	s.version++

	out := make([]entity.LogItem, len(appended))
	for i, it := range appended {
		out[i] = *it
		metrics.LogItemsAppended.WithLabelValues(string(it.Type)).Inc()
	}
	return out, nil
}

// ApplyFactUpdate 原子地应用一次事实更新
// 对与最近一次更新相同的区间重复应用时，先撤销上一次应用再重新应用
func (s *Store) ApplyFactUpdate(ctx context.Context, req UpdateRequest) (*entity.FactUpdate, error) {
	if err := s.beginWrite("apply fact update"); err != nil {
		return nil, err
	}
	defer s.endWrite()

	s.mu.Lock()
	defer s.mu.Unlock()

	last := len(s.items)
	if req.From < 1 || req.To < req.From {
		return nil, apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("invalid update range [%d, %d]", req.From, req.To))
	}
	if req.To > last {
		return nil, apperrors.ErrStaleSource.WithDetail(fmt.Sprintf("update range [%d, %d] beyond log end %d", req.From, req.To, last))
	}

	var reverted *entity.FactUpdate
	if n := len(s.updates); n > 0 {
		prev := s.updates[n-1]
		switch {
		case prev.SameRange(req.From, req.To):
			reverted = prev
		case req.From <= prev.To:
			return nil, apperrors.ErrOutOfOrder.WithDetail(fmt.Sprintf(
				"update range [%d, %d] overlaps applied range [%d, %d]", req.From, req.To, prev.From, prev.To))
		}
	}

	for _, p := range req.Proposals {
		if strings.TrimSpace(p.Subject) == "" || strings.TrimSpace(p.Slot) == "" || strings.TrimSpace(p.Statement) == "" {
			return nil, apperrors.ErrInvalidParam.WithDetail("fact proposal requires subject, slot and statement")
		}
		if p.SourceSequence < 1 || p.SourceSequence > last {
			return nil, apperrors.ErrStaleSource.WithDetail(fmt.Sprintf("source sequence %d does not exist", p.SourceSequence))
		}
		if p.SourceSequence > req.To {
			return nil, apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("source sequence %d after update range end %d", p.SourceSequence, req.To))
		}
	}

	now := s.now()
	work := s.facts.fork()
	if reverted != nil {
		if err := work.revert(reverted); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "fact update revert failed")
		}
	}

	update := &entity.FactUpdate{
		ID:        uuid.NewString(),
		ChapterID: s.chapterID,
		BeatIndex: req.BeatIndex,
		From:      req.From,
		To:        req.To,
		Summary:   strings.TrimSpace(req.Summary),
		Location:  strings.TrimSpace(req.Location),
		CreatedAt: now,
	}
	for _, p := range req.Proposals {
		p.Subject = strings.TrimSpace(p.Subject)
		p.Slot = strings.TrimSpace(p.Slot)
		p.Statement = strings.TrimSpace(p.Statement)
		update.Ops = append(update.Ops, work.apply(s.chapterID, update.ID, p, s.policy, now))
	}

	m := repository.NewKnowledgeMutation(s.chapterID)
	m.UpsertFacts, m.DeleteFactIDs = work.changes()
	m.PutUpdates = []*entity.FactUpdate{update}
	if reverted != nil {
		m.DeleteUpdateIDs = []string{reverted.ID}
	}
	if err := s.commit(ctx, m); err != nil {
		return nil, err
	}

	work.touched = make(map[string]struct{})
	work.deleted = make(map[string]struct{})
	s.facts = work
	if reverted != nil {
		s.updates = s.updates[:len(s.updates)-1]
	}
	s.updates = append(s.updates, update)
	s.version++

	for _, op := range update.Ops {
		metrics.FactOperations.WithLabelValues(string(op.Kind)).Inc()
	}
	cp := *update
	return &cp, nil
}

// MarkBeat 记录节拍完成，节拍必须按顺序标记
func (s *Store) MarkBeat(ctx context.Context, beatIndex, first, last int, updateID string) error {
	if err := s.beginWrite("mark beat"); err != nil {
		return err
	}
	defer s.endWrite()

	s.mu.Lock()
	defer s.mu.Unlock()

	if beatIndex != len(s.marks) {
		return apperrors.ErrBeatOutOfOrder.WithDetail(fmt.Sprintf("mark beat %d, expected %d", beatIndex, len(s.marks)))
	}
	expectedFirst := 1
	if n := len(s.marks); n > 0 {
		expectedFirst = s.marks[n-1].LastSequence + 1
	}
	if first != expectedFirst || last < first || last > len(s.items) {
		return apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("beat %d range [%d, %d] invalid", beatIndex, first, last))
	}

	mark := &entity.BeatMark{
		ChapterID:     s.chapterID,
		BeatIndex:     beatIndex,
		FirstSequence: first,
		LastSequence:  last,
		UpdateID:      updateID,
		CreatedAt:     s.now(),
	}
	m := repository.NewKnowledgeMutation(s.chapterID)
	m.PutMarks = []*entity.BeatMark{mark}
	if err := s.commit(ctx, m); err != nil {
		return err
	}

	s.marks = append(s.marks, mark)
	s.version++
	return nil
}

// Truncate 删除序号 >= fromSequence 的日志，撤销涉及该区间的事实更新与节拍标记
func (s *Store) Truncate(ctx context.Context, fromSequence int) (*TruncateResult, error) {
	if fromSequence < 1 {
		return nil, apperrors.ErrInvalidParam.WithDetail("truncate sequence must be >= 1")
	}
	if err := s.beginWrite("truncate"); err != nil {
		return nil, err
	}
	defer s.endWrite()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncateLocked(ctx, fromSequence)
}

// TruncateFromBeat 从指定节拍开始截断，包括其后的全部节拍与未标记的残留日志
func (s *Store) TruncateFromBeat(ctx context.Context, beatIndex int) (*TruncateResult, error) {
	if err := s.beginWrite("truncate"); err != nil {
		return nil, err
	}
	defer s.endWrite()

	s.mu.Lock()
	defer s.mu.Unlock()

	if beatIndex < 0 || beatIndex > len(s.marks) {
		return nil, apperrors.ErrBeatOutOfOrder.WithDetail(fmt.Sprintf("beat %d has not been reached", beatIndex))
	}
	from := 1
	if beatIndex > 0 {
		from = s.marks[beatIndex-1].LastSequence + 1
	}
	return s.truncateLocked(ctx, from)
}

func (s *Store) truncateLocked(ctx context.Context, from int) (*TruncateResult, error) {
	res := &TruncateResult{FromSequence: from}
	if from > len(s.items) {
		return res, nil
	}

	work := s.facts.fork()
	keepUpdates := len(s.updates)
	for keepUpdates > 0 && s.updates[keepUpdates-1].To >= from {
		if err := work.revert(s.updates[keepUpdates-1]); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "fact update revert failed")
		}
		keepUpdates--
	}
	keepMarks := len(s.marks)
	for keepMarks > 0 && s.marks[keepMarks-1].LastSequence >= from {
		keepMarks--
	}

	m := repository.NewKnowledgeMutation(s.chapterID)
	m.TruncateFrom = from
	m.UpsertFacts, m.DeleteFactIDs = work.changes()
	for _, u := range s.updates[keepUpdates:] {
		m.DeleteUpdateIDs = append(m.DeleteUpdateIDs, u.ID)
	}
	if keepMarks < len(s.marks) {
		m.DeleteMarksFrom = keepMarks
	}
	if err := s.commit(ctx, m); err != nil {
		return nil, err
	}

	res.RemovedItems = len(s.items) - (from - 1)
	res.RevertedUpdates = len(s.updates) - keepUpdates
	res.RemovedMarks = len(s.marks) - keepMarks

	work.touched = make(map[string]struct{})
	work.deleted = make(map[string]struct{})
	s.facts = work
	s.items = s.items[:from-1]
	s.updates = s.updates[:keepUpdates]
	s.marks = s.marks[:keepMarks]
	s.version++
	return res, nil
}

// RecordCall 追加调用记录，不影响日志与事实版本
func (s *Store) RecordCall(ctx context.Context, rec *entity.CallRecord) error {
	if rec == nil {
		return nil
	}
	v := *rec
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.ChapterID = s.chapterID

	s.mu.Lock()
	defer s.mu.Unlock()

	m := repository.NewKnowledgeMutation(s.chapterID)
	m.Calls = []*entity.CallRecord{&v}
	if err := s.commit(ctx, m); err != nil {
		return err
	}
	s.calls = append(s.calls, &v)
	rec.ID = v.ID
	rec.ChapterID = v.ChapterID
	return nil
}
