package knowledge

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"z-novel-narrator/internal/domain/entity"
)

// factSet 事实集合的可写副本，变更全部成功后才替换 Store 中的状态
type factSet struct {
	facts  map[string]*entity.Fact
	order  []string
	active map[entity.SlotKey]string

	touched map[string]struct{}
	deleted map[string]struct{}
}

func newFactSet() *factSet {
	return &factSet{
		facts:   make(map[string]*entity.Fact),
		active:  make(map[entity.SlotKey]string),
		touched: make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

// fork 深拷贝事实，返回的副本可以自由修改
func (fs *factSet) fork() *factSet {
	cp := newFactSet()
	for id, f := range fs.facts {
		v := *f
		cp.facts[id] = &v
	}
	cp.order = append([]string(nil), fs.order...)
	for k, id := range fs.active {
		cp.active[k] = id
	}
	return cp
}

func (fs *factSet) add(f *entity.Fact) {
	fs.facts[f.ID] = f
	fs.order = append(fs.order, f.ID)
	if f.IsActive() {
		fs.active[f.Key()] = f.ID
	}
	fs.touched[f.ID] = struct{}{}
}

func (fs *factSet) touch(f *entity.Fact) {
	fs.touched[f.ID] = struct{}{}
}

func (fs *factSet) remove(id string) {
	f, ok := fs.facts[id]
	if !ok {
		return
	}
	delete(fs.facts, id)
	if fs.active[f.Key()] == id {
		delete(fs.active, f.Key())
	}
	for i, oid := range fs.order {
		if oid == id {
			fs.order = append(fs.order[:i], fs.order[i+1:]...)
			break
		}
	}
	delete(fs.touched, id)
	fs.deleted[id] = struct{}{}
}

// changes 返回需要写入与删除的事实
func (fs *factSet) changes() (upserts []*entity.Fact, deletes []string) {
	for _, id := range fs.order {
		if _, ok := fs.touched[id]; ok {
			v := *fs.facts[id]
			upserts = append(upserts, &v)
		}
	}
	for id := range fs.deleted {
		deletes = append(deletes, id)
	}
	return upserts, deletes
}

// revert 按逆序撤销一次事实更新，要求它是当前最后一次更新
func (fs *factSet) revert(u *entity.FactUpdate) error {
	for i := len(u.Ops) - 1; i >= 0; i-- {
		op := u.Ops[i]
		switch op.Kind {
		case entity.FactOpInsert:
			fs.remove(op.FactID)

		case entity.FactOpSupersede:
			fs.remove(op.FactID)
			prev, ok := fs.facts[op.PreviousFactID]
			if !ok {
				return fmt.Errorf("revert update %s: superseded fact %s missing", u.ID, op.PreviousFactID)
			}
			prev.Status = entity.FactStatusActive
			prev.SupersededBy = ""
			fs.active[prev.Key()] = prev.ID
			fs.touch(prev)

		case entity.FactOpConfirm:
			prev, ok := fs.facts[op.PreviousFactID]
			if !ok {
				return fmt.Errorf("revert update %s: confirmed fact %s missing", u.ID, op.PreviousFactID)
			}
			prev.SourceSequence = op.PreviousSource
			fs.touch(prev)

		case entity.FactOpReject:
		}
	}
	return nil
}

// apply 将一条提议并入事实集合，返回对应的操作记录
func (fs *factSet) apply(chapterID, updateID string, p Proposal, policy ContradictionPolicy, now time.Time) entity.FactOp {
	op := entity.FactOp{
		Subject:        p.Subject,
		Slot:           p.Slot,
		Statement:      p.Statement,
		SourceSequence: p.SourceSequence,
	}
	newFact := func() *entity.Fact {
		return &entity.Fact{
			ID:             uuid.NewString(),
			ChapterID:      chapterID,
			Subject:        p.Subject,
			Slot:           p.Slot,
			Statement:      p.Statement,
			SourceSequence: p.SourceSequence,
			Status:         entity.FactStatusActive,
			UpdateID:       updateID,
			CreatedAt:      now,
		}
	}

	key := entity.NewSlotKey(p.Subject, p.Slot)
	curID, ok := fs.active[key]
	if !ok {
		f := newFact()
		fs.add(f)
		op.Kind = entity.FactOpInsert
		op.FactID = f.ID
		return op
	}

	cur := fs.facts[curID]
	op.PreviousFactID = cur.ID

	if entity.SameStatement(cur.Statement, p.Statement) {
		op.Kind = entity.FactOpConfirm
		op.PreviousSource = cur.SourceSequence
		if p.SourceSequence > cur.SourceSequence {
			cur.SourceSequence = p.SourceSequence
		}
		fs.touch(cur)
		return op
	}

	if !p.Supersedes && policy == PolicyKeepExisting {
		op.Kind = entity.FactOpReject
		return op
	}

	f := newFact()
	cur.Status = entity.FactStatusSuperseded
	cur.SupersededBy = f.ID
	fs.touch(cur)
	fs.add(f)
	op.Kind = entity.FactOpSupersede
	op.FactID = f.ID
	return op
}
