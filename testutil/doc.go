// Copyright (c) SchemaFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 各包单元测试共用的辅助函数。

  - TestContext：带超时并随测试结束取消的 context
  - OpenSQLite：纯 Go SQLite（内存或文件），可顺带 AutoMigrate
  - AssertJSONEqual：按语义比较 JSON

测试替身在 testutil/mocks 子包：

	provider := mocks.NewScriptedProvider(
		mocks.Reply(`not json`),
		mocks.Reply(`{"name":"Ada"}`),
	)
*/
package testutil
