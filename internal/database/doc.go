// 版权所有 2026 AgentCanvas Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为运行记录的数据库存储提供 GORM 连接与连接池管理。

# 驱动

Open 按驱动名选择方言：postgres、mysql 与 sqlite，并在返回前探活一次。
sqlite 使用 github.com/glebarez/sqlite 纯 Go 实现，无需 cgo。
Options 中为零的连接池参数使用默认值。

# 核心类型

  - Pool：持有 GORM DB 与底层 sql.DB，提供 DB、Ping、Close。
    Wrap 包装已打开的 GORM 实例，测试中配合 sqlmock 使用。
  - Stats：一次探活与连接池统计的快照，由 Snapshot 生成。
  - Monitor：按间隔探活并把 Stats 交给回调（通常是指标收集器），
    健康状态翻转时记录日志。

# 日志

NewGormLogger 把 GORM 日志转到 zap：默认只记录失败的查询与超过
阈值的慢查询，gorm.ErrRecordNotFound 不视为错误。
*/
package database
