package consensus

//
//          +------------------------+
//          |   OnBlockReceive/Execute |  <--- BlockChannel / 本地出块 (GenerateBlock)
//          +-----------+------------+
//                      | msgQueue (单个receiveRoutine串行处理)
//                      v
//               +-------------+
//               |  ForkChoice |
//               +------+------+
//     IDENTICAL        |  VALID          TIE_BREAK           DIFFERENT_CHAIN
//     DOUBLE_FORGING   v                 |                   |
//     DISCARD    +-----------+  <--------+ 删除链头后执行     v
//     (忽略/事件) |  Verify   |                          +--------------+
//                +-----+-----+                          | Synchronizer |
//                      v                                +--------------+
//                +-----------+   FinalizedHeightChanged
//                |  Execute  +-------------------------> CommitPool (单个commit签名, 聚合)
//                +-----------+

//ConsensusState - 区块接收、分叉选择、执行和删除，main goroutine
//	- blockVerifier - 执行前的检查：时间戳、连接、出块者、BFT属性、签名、聚合commit
//	- BlockExecutor - 执行或回滚区块，更新BFT投票
//		- BlockStore - 区块、临时区块、状态数据的持久化
//	- CommitPool - 保存单个commit，最终高度变化后签名，定期gossip，出块时聚合
//	- SlotClock - 每个slot开始时通知generateRoutine
//	- Reactor - 网络层，区块/commit gossip、节点状态和RPC请求，为每个peer限流和惩罚
//	- Synchronizer - 收到DIFFERENT_CHAIN的区块后执行block sync或fast chain switch
