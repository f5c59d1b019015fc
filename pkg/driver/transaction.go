package driver

import "go.uber.org/multierr"

// Txn 记录回滚操作，失败时逆序撤销
type Txn struct {
	undos []func() error
}

func (tx *Txn) OnRollback(undo func() error) {
	tx.undos = append(tx.undos, undo)
}

// Commit 放弃所有回滚操作
func (tx *Txn) Commit() {
	tx.undos = nil
}

// Rollback 逆序执行回滚，汇总全部错误
func (tx *Txn) Rollback() error {
	var err error
	for i := len(tx.undos) - 1; i >= 0; i-- {
		err = multierr.Append(err, tx.undos[i]())
	}
	tx.undos = nil
	return err
}

func (tx *Txn) Len() int {
	return len(tx.undos)
}
